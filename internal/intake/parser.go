package intake

import (
	"encoding/json"
	"fmt"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

// RecordParser defines the interface for parsing raw message bytes
// into intake records
type RecordParser interface {
	Parse(body []byte) (*Record, error)
}

// JSONRecordParser implements RecordParser for the JSON ingest stream.
// Event records carry event_type; lifecycle records carry user_id.
type JSONRecordParser struct{}

// NewJSONRecordParser creates a new JSON record parser
func NewJSONRecordParser() *JSONRecordParser {
	return &JSONRecordParser{}
}

// Parse parses a JSON message body into a Record
func (p *JSONRecordParser) Parse(body []byte) (*Record, error) {
	var probe struct {
		EventType string `json:"event_type"`
		UserID    string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	switch {
	case probe.EventType != "":
		var event domain.SessionEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
		}
		return &Record{Event: &event}, nil

	case probe.UserID != "":
		var session domain.SessionRecord
		if err := json.Unmarshal(body, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
		}
		return &Record{Session: &session}, nil

	default:
		return nil, fmt.Errorf("%w: neither event_type nor user_id present", domain.ErrMalformed)
	}
}

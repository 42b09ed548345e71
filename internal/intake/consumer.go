package intake

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/queue"
)

// Consumer orchestrates a pipeline of stages to drain the ingest queue
type Consumer struct {
	receiver *Receiver
	parser   *ParserStage
	dispatch *DispatchStage
}

// NewConsumer creates a new consumer with a pipeline architecture
func NewConsumer(queueConsumer queue.QueueConsumer, intake *Intake, log *zap.Logger) *Consumer {
	receiver := NewReceiver(queueConsumer, ReceiverConfig{
		MaxMessages:     10,
		WaitTimeSeconds: 20,
		BufferSize:      100,
	}, log)

	parser := NewParserStage(queueConsumer, NewJSONRecordParser(), log)

	dispatch := NewDispatchStage(intake, log)

	return &Consumer{
		receiver: receiver,
		parser:   parser,
		dispatch: dispatch,
	}
}

// Start begins the consumer pipeline
func (c *Consumer) Start(ctx context.Context) error {
	messageChan := make(chan types.Message, 100)
	envelopeChan := make(chan *Envelope, 100)

	var wg sync.WaitGroup

	// Start all pipeline stages
	wg.Add(3)

	// Stage 1: Receive messages from SQS
	go func() {
		defer wg.Done()
		c.receiver.Start(ctx, messageChan)
	}()

	// Stage 2: Parse messages into record envelopes
	go func() {
		defer wg.Done()
		c.parser.Start(ctx, messageChan, envelopeChan)
	}()

	// Stage 3: Admit and route records
	go func() {
		defer wg.Done()
		c.dispatch.Start(ctx, envelopeChan)
	}()

	wg.Wait()
	return nil
}

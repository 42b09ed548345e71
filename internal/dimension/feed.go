package dimension

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/queue"
)

// FeedConfig configures the dimension change feed consumer
type FeedConfig struct {
	MaxMessages     int32
	WaitTimeSeconds int32
}

// Feed drains dimension change notifications into the cache. Change
// notifications are idempotent, so messages are deleted after apply
// regardless of whether the update superseded the cached entry.
type Feed struct {
	consumer queue.QueueConsumer
	cache    *Cache
	config   FeedConfig
	log      *zap.Logger
}

// NewFeed creates a new dimension feed consumer
func NewFeed(consumer queue.QueueConsumer, cache *Cache, config FeedConfig, log *zap.Logger) *Feed {
	return &Feed{
		consumer: consumer,
		cache:    cache,
		config:   config,
		log:      log,
	}
}

// Start begins draining the change feed until the context is canceled
func (f *Feed) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.log.Info("Dimension feed shutting down")
			return
		default:
			result, err := f.consumer.ReceiveMessages(ctx, &awssqs.ReceiveMessageInput{
				QueueUrl:            aws.String(f.consumer.QueueURL()),
				MaxNumberOfMessages: f.config.MaxMessages,
				WaitTimeSeconds:     f.config.WaitTimeSeconds,
			})

			if err != nil {
				f.log.Error("Error receiving dimension updates", zap.Error(err))
				time.Sleep(1 * time.Second)
				continue
			}

			for _, msg := range result.Messages {
				if err := f.apply([]byte(aws.ToString(msg.Body))); err != nil {
					f.log.Warn("Failed to apply dimension update",
						zap.String("message_id", aws.ToString(msg.MessageId)),
						zap.Error(err))
				}

				_, err := f.consumer.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
					QueueUrl:      aws.String(f.consumer.QueueURL()),
					ReceiptHandle: msg.ReceiptHandle,
				})
				if err != nil {
					f.log.Error("Failed to delete dimension message",
						zap.String("message_id", aws.ToString(msg.MessageId)),
						zap.Error(err))
				}
			}
		}
	}
}

// apply parses and installs a single change notification
func (f *Feed) apply(body []byte) error {
	var dim domain.UserDimension
	if err := json.Unmarshal(body, &dim); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if dim.UserID == "" {
		return fmt.Errorf("%w: missing user_id", domain.ErrMalformed)
	}

	if f.cache.Invalidate(&dim) {
		f.log.Debug("Dimension updated",
			zap.String("user_id", dim.UserID),
			zap.String("region", dim.Region),
			zap.String("account_type", dim.AccountType),
			zap.Uint64("version", dim.Version))
	}

	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// PubSubSink publishes events to a Google Cloud Pub/Sub topic with the job id
// as ordering key, so per-job order survives fan-out to remote consumers.
//
// Publish is asynchronous; a failed publish is logged and the ordering key is
// resumed so later events of the same job are not stuck.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
	logger *zap.Logger
}

// NewPubSubSink dials Pub/Sub for projectID and publishes to topicID.
func NewPubSubSink(ctx context.Context, projectID, topicID string, logger *zap.Logger, opts ...option.ClientOption) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	s := NewPubSubSinkFromClient(client, topicID, logger)
	s.owned = true
	return s, nil
}

// NewPubSubSinkFromClient wraps an existing client. Close does not close it.
func NewPubSubSinkFromClient(client *pubsub.Client, topicID string, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSubSink{client: client, topic: topic, logger: logger}
}

// Publish implements Sink.
func (s *PubSubSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: ev.JobID,
		Attributes: map[string]string{
			"job_id": ev.JobID,
			"type":   string(ev.Type),
			"seq":    strconv.FormatInt(ev.Seq, 10),
		},
	}
	result := s.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(ctx); err != nil {
			s.logger.Warn("pubsub publish failed",
				zap.String("job_id", ev.JobID),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
			s.topic.ResumePublish(ev.JobID)
		}
	}()
	return nil
}

// Close flushes pending messages and releases the client if the sink owns it.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if s.owned {
		return s.client.Close()
	}
	return nil
}

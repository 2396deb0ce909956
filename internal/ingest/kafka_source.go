package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"bucketflow/internal/broker"
	"bucketflow/internal/constants"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	"bucketflow/pkg/metrics"
	"bucketflow/pkg/retry"
	"bucketflow/pkg/tracing"
)

// KafkaSource consumes notifications from one topic. Records are dispatched
// concurrently up to a limit; offsets are committed in partition order once
// every earlier record is acknowledged.
type KafkaSource struct {
	reader      broker.Reader
	topic       string
	processor   *Processor
	concurrency int
	tracker     *offsetTracker
	commitMu    sync.Mutex
	logger      logger.Logger

	redeliveryBase time.Duration
	redeliveryMax  time.Duration
}

func NewKafkaSource(reader broker.Reader, topic string, processor *Processor, concurrency int, log logger.Logger) *KafkaSource {
	if concurrency <= 0 {
		concurrency = constants.DefaultIngestConcurrency
	}
	return &KafkaSource{
		reader:         reader,
		topic:          topic,
		processor:      processor,
		concurrency:    concurrency,
		tracker:        newOffsetTracker(),
		logger:         log.Named("kafka-source"),
		redeliveryBase: constants.KafkaFetchBackoff,
		redeliveryMax:  time.Minute,
	}
}

// Run fetches until ctx is cancelled, then waits for in-flight records.
// Records still unacknowledged at shutdown are left uncommitted and will be
// redelivered to the group.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.InfowCtx(ctx, "Started consuming", "topic", s.topic, "concurrency", s.concurrency)

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.ErrorwCtx(ctx, "Error fetching kafka message", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(constants.KafkaFetchBackoff):
			}
			continue
		}

		s.tracker.Track(msg)
		g.Go(func() error {
			s.handle(ctx, msg)
			return nil
		})
	}

	_ = g.Wait()
	s.logger.InfowCtx(ctx, "Stopped consuming",
		"topic", s.topic,
		"uncommitted", s.tracker.Pending(),
	)
	return nil
}

func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) {
	headers := tracing.KafkaHeaders(msg.Headers)
	msgCtx, span := tracing.StartConsumerSpan(ctx, "kafka.consume", &headers, tracing.KafkaRecordAttributes(msg)...)
	defer span.End()

	attrs := headerAttributes(msg.Headers)
	b := retry.NewBackOff(s.redeliveryBase, s.redeliveryMax)
	err := retry.Do(msgCtx, b, func() error {
		res, err := s.processor.Process(msgCtx, SourceKafka, msg.Value, attrs)
		if Ack(res, err) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("event %s not acknowledged", res.EventID)
	}, func(err error, next time.Duration) {
		s.logger.WarnwCtx(msgCtx, "Redelivering kafka record",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"delay", next,
			"error", err,
		)
	})
	if err != nil {
		s.logger.WarnwCtx(msgCtx, "Kafka record left uncommitted",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}

	s.commit(msgCtx, msg)
}

func (s *KafkaSource) commit(ctx context.Context, msg kafka.Message) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	next, ok := s.tracker.Done(msg)
	if !ok {
		return
	}
	if err := s.reader.CommitMessages(context.WithoutCancel(ctx), next); err != nil {
		metrics.KafkaCommitsTotal.WithLabelValues(s.topic, "failed").Inc()
		s.logger.ErrorwCtx(ctx, "Failed to commit message",
			"partition", next.Partition,
			"offset", next.Offset,
			"error", err,
		)
		return
	}
	metrics.KafkaCommitsTotal.WithLabelValues(s.topic, "success").Inc()
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// headerAttributes picks envelope fields a producer may carry as headers.
func headerAttributes(headers []kafka.Header) map[string]string {
	attrs := make(map[string]string)
	for _, h := range headers {
		switch h.Key {
		case envelope.KeyEventID, envelope.KeyEventType:
			attrs[h.Key] = string(h.Value)
		}
	}
	return attrs
}

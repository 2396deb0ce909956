package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"bucketflow/internal/broker"
	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/logger"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// NeedsProducer reports whether any component writes to Kafka.
func (b *Base) NeedsProducer() bool {
	return b.Config.DeadLetter.Type == constants.SinkTypeKafka || b.Config.Handlers.Forward.Enabled
}

// InitProducer creates the shared Kafka producer when a component needs one.
func (b *Base) InitProducer() error {
	if !b.NeedsProducer() {
		return nil
	}

	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	b.Producer = producer
	return nil
}

func (b *Base) ShutdownBroker() []error {
	if b.Producer == nil {
		return nil
	}
	if err := b.Producer.Close(); err != nil {
		return []error{fmt.Errorf("producer close: %w", err)}
	}
	return nil
}

// Shutdown runs release, which stops the components that may still publish,
// and closes the shared producer afterwards. All failures are joined.
func (b *Base) Shutdown(ctx context.Context, release func(ctx context.Context) []error) error {
	var errs []error
	if release != nil {
		errs = release(ctx)
	}
	errs = append(errs, b.ShutdownBroker()...)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	b.Logger.Infow("Shutdown complete")
	return nil
}

package bootstrap

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"bucketflow/internal/config"
	"bucketflow/internal/logger"
)

// CloudConnector creates the Google Cloud clients used for ingestion and
// object reads. Credentials come from the environment.
type CloudConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewCloudConnector(cfg *config.Config, log logger.Logger) *CloudConnector {
	return &CloudConnector{
		Config: cfg,
		Logger: log,
	}
}

// InitStorage returns nil when no component reads objects. A configured
// endpoint points the client at an emulator without authentication.
func (cc *CloudConnector) InitStorage(ctx context.Context) (*storage.Client, error) {
	if !cc.Config.Handlers.Validate.Enabled {
		return nil, nil
	}

	var opts []option.ClientOption
	if endpoint := cc.Config.Storage.Endpoint; endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	cc.Logger.Infow("Storage client created", "endpoint", cc.Config.Storage.Endpoint)
	return client, nil
}

// InitPubSub returns nil unless Pub/Sub ingestion is enabled. The client
// honors PUBSUB_EMULATOR_HOST.
func (cc *CloudConnector) InitPubSub(ctx context.Context) (*pubsub.Client, error) {
	cfg := cc.Config.Ingestion.PubSub
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	cc.Logger.Infow("Pub/Sub client created", "project_id", cfg.ProjectID)
	return client, nil
}

func (cc *CloudConnector) ShutdownClients(storageClient *storage.Client, pubsubClient *pubsub.Client) []error {
	var errs []error

	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close error: %w", err))
		}
	}

	if storageClient != nil {
		if err := storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close error: %w", err))
		}
	}

	return errs
}

// Package handlers holds the reference handlers shipped with bucketflow and
// registers the ones enabled in configuration.
package handlers

import (
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"bucketflow/internal/broker"
	"bucketflow/internal/config"
	"bucketflow/internal/handler"
	"bucketflow/internal/logger"
)

// Handler identifiers routes refer to.
const (
	LogID      = "log"
	ValidateID = "validate"
	MetadataID = "metadata"
	ForwardID  = "forward"
)

// Dependencies are the clients reference handlers may need. A nil field is
// only an error when a handler that needs it is enabled.
type Dependencies struct {
	Objects  ObjectReader
	Mongo    *mongo.Database
	Producer broker.Producer
}

// Register adds every enabled reference handler to reg.
func Register(reg *handler.Registry, cfg config.HandlersConfig, deps Dependencies, log logger.Logger) error {
	if cfg.Log.Enabled {
		if err := reg.Register(LogID, NewLog(log)); err != nil {
			return err
		}
	}

	if cfg.Validate.Enabled {
		if deps.Objects == nil {
			return fmt.Errorf("handler %q needs a storage client", ValidateID)
		}
		if err := reg.Register(ValidateID, NewValidate(deps.Objects, cfg.Validate.AllowedTypes)); err != nil {
			return err
		}
	}

	if cfg.Metadata.Enabled {
		if deps.Mongo == nil {
			return fmt.Errorf("handler %q needs a MongoDB database", MetadataID)
		}
		if err := reg.Register(MetadataID, NewMetadata(deps.Mongo, cfg.Metadata.Collection)); err != nil {
			return err
		}
	}

	if cfg.Forward.Enabled {
		if deps.Producer == nil {
			return fmt.Errorf("handler %q needs a Kafka producer", ForwardID)
		}
		if cfg.Forward.Topic == "" {
			return fmt.Errorf("handler %q needs a topic", ForwardID)
		}
		if err := reg.Register(ForwardID, NewForward(deps.Producer, cfg.Forward.Topic)); err != nil {
			return err
		}
	}

	return nil
}

// EnabledIDs lists the identifiers Register would add for cfg.
func EnabledIDs(cfg config.HandlersConfig) []string {
	var ids []string
	if cfg.Log.Enabled {
		ids = append(ids, LogID)
	}
	if cfg.Validate.Enabled {
		ids = append(ids, ValidateID)
	}
	if cfg.Metadata.Enabled {
		ids = append(ids, MetadataID)
	}
	if cfg.Forward.Enabled {
		ids = append(ids, ForwardID)
	}
	return ids
}

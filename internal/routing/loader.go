package routing

import (
	"fmt"

	"github.com/spf13/viper"

	"bucketflow/internal/config"
	pkgerrors "bucketflow/pkg/errors"
)

// LoadFile reads route definitions from the "routes" key of a YAML file.
func LoadFile(path string) ([]config.RouteDefinition, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, pkgerrors.ErrInvalidRouteConfig.
			WithCause(err).
			WithMessage("failed to read routes file %s", path)
	}

	var defs []config.RouteDefinition
	if err := v.UnmarshalKey("routes", &defs); err != nil {
		return nil, pkgerrors.ErrInvalidRouteConfig.
			WithCause(err).
			WithMessage("failed to decode routes file %s", path)
	}

	return defs, nil
}

// Definitions returns the configured route definitions. A routes file takes
// precedence over inline definitions.
func Definitions(cfg config.RoutesConfig) ([]config.RouteDefinition, error) {
	if cfg.File == "" {
		return cfg.Definitions, nil
	}
	defs, err := LoadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	return defs, nil
}

//go:build wireinject
// +build wireinject

package injector

import (
	"github.com/google/wire"

	"github.com/gatewire/gatewire/internal/core/observability/log"
)

// InitApp builds the composition graph from a config file. Regenerate
// wire_gen.go with `go generate ./internal/injector` after editing.
func InitApp(path string, level log.Level) (*App, error) {
	wire.Build(Graph)
	return nil, nil
}

// Package registry manages backend source registration and instantiation.
// Source packages self-register in init(); the service layer instantiates
// connectors and compilers by kind without knowing concrete types.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/source/core"
)

// ConnectorFactory creates a connector instance for one configured source.
type ConnectorFactory func(cfg config.SourceConfig) (core.Connector, error)

// CompilerFactory creates the compiler for one source kind.
type CompilerFactory func() core.Compiler

// Registry manages the closed set of backend kinds.
type Registry struct {
	connectors map[core.Kind]ConnectorFactory
	compilers  map[core.Kind]CompilerFactory
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new source registry
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[core.Kind]ConnectorFactory),
		compilers:  make(map[core.Kind]CompilerFactory),
		logger:     logger.Get().With(zap.String("component", "source_registry")),
	}
}

// Register registers a source kind's connector and compiler factories.
func (r *Registry) Register(kind core.Kind, connector ConnectorFactory, compiler CompilerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[kind]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source kind %s already registered", kind)
	}

	r.connectors[kind] = connector
	r.compilers[kind] = compiler
	r.logger.Info("source registered", zap.String("kind", string(kind)))
	return nil
}

// CreateConnector creates a connector for the kind using its source config.
func (r *Registry) CreateConnector(kind core.Kind, cfg config.SourceConfig) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.connectors[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source kind %s not registered", kind)
	}

	connector, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create connector for "+string(kind))
	}

	return connector, nil
}

// CreateCompiler creates the compiler for the kind.
func (r *Registry) CreateCompiler(kind core.Kind) (core.Compiler, error) {
	r.mu.RLock()
	factory, exists := r.compilers[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source kind %s not registered", kind)
	}

	return factory(), nil
}

// Kinds returns the registered source kinds.
func (r *Registry) Kinds() []core.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]core.Kind, 0, len(r.connectors))
	for kind := range r.connectors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Has checks if a source kind is registered.
func (r *Registry) Has(kind core.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.connectors[kind]
	return exists
}

// Clear removes all registered sources (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = make(map[core.Kind]ConnectorFactory)
	r.compilers = make(map[core.Kind]CompilerFactory)
}

// Global registry functions

// Register registers a source kind in the global registry
func Register(kind core.Kind, connector ConnectorFactory, compiler CompilerFactory) error {
	return globalRegistry.Register(kind, connector, compiler)
}

// CreateConnector creates a connector from the global registry
func CreateConnector(kind core.Kind, cfg config.SourceConfig) (core.Connector, error) {
	return globalRegistry.CreateConnector(kind, cfg)
}

// CreateCompiler creates a compiler from the global registry
func CreateCompiler(kind core.Kind) (core.Compiler, error) {
	return globalRegistry.CreateCompiler(kind)
}

// Kinds returns registered kinds from the global registry
func Kinds() []core.Kind {
	return globalRegistry.Kinds()
}

// Has checks if a kind is registered in the global registry
func Has(kind core.Kind) bool {
	return globalRegistry.Has(kind)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}

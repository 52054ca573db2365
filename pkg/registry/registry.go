// Package registry maps step types to the factories that execute them.
package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/protocol"
)

type Registry struct {
	logger    *slog.Logger
	factories map[models.StepType]protocol.StepExecutorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[models.StepType]protocol.StepExecutorFactory),
	}
}

// Register adds a factory, replacing any factory already registered for its step type.
func (r *Registry) Register(factory protocol.StepExecutorFactory) {
	r.logger.Debug("Registering step executor", "type", factory.ID(), "name", factory.Name())
	r.factories[factory.ID()] = factory
}

// Factory returns the factory for a step type.
func (r *Registry) Factory(stepType models.StepType) (protocol.StepExecutorFactory, bool) {
	factory, ok := r.factories[stepType]

	return factory, ok
}

// Create returns a fresh executor for step.
func (r *Registry) Create(step models.Step) (protocol.StepExecutor, error) {
	factory, ok := r.factories[step.Type]
	if !ok {
		return nil, fmt.Errorf("step type '%s' not registered", step.Type)
	}

	return factory.Create(step)
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []models.StepType {
	types := make([]models.StepType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}

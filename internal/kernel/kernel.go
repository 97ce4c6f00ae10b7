// Package kernel hosts the pluggable power calculation backends.
package kernel

import (
	"fmt"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/domain"
	"github.com/rs/zerolog"
)

// Result is what one solve produces: per-category result rows keyed by
// stringified element index, plus convergence and diagnostics.
type Result struct {
	Converged bool
	Errors    []domain.Diagnostic
	Devices   map[string]map[string]domain.ResultRow
}

// Kernel solves a constructed network. Implementations must accept exactly
// the Network the paired adapter produces and report every failure as
// diagnostics rather than panicking.
type Kernel interface {
	Name() string
	Calculate(net *adapter.Network) Result
}

// Factory resolves kernel implementations by type key.
type Factory struct {
	logger zerolog.Logger
}

// NewFactory creates a kernel factory.
func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{
		logger: logger.With().Str("component", "kernel").Logger(),
	}
}

// Create returns the kernel registered under the given type key. Unknown
// keys fail cleanly so a misconfiguration surfaces at setup, not at tick
// time.
func (f *Factory) Create(kernelType string) (Kernel, error) {
	switch kernelType {
	case "balance", "":
		return NewBalanceKernel(f.logger), nil
	default:
		return nil, fmt.Errorf("unknown kernel type %q", kernelType)
	}
}

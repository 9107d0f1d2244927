package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepmatter/chempipe/internal/config"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// Estimator is a handle on one external model instance. Fit and Predict
// block until the backing service returns; errors from either are fatal to
// the training run.
type Estimator interface {
	// Fit performs one training increment on the given partition. For
	// ensemble models one increment is the entire fit.
	Fit(ctx context.Context, features [][]float64, responses []float64) error

	// Predict returns one prediction per feature row.
	Predict(ctx context.Context, features [][]float64) ([]float64, error)

	// Uncertainty returns a per-row spread estimate for the same rows.
	// Estimators without uncertainty support return CodeNotImplemented.
	Uncertainty(ctx context.Context, features [][]float64) ([]float64, error)

	// Save writes the files needed to reconstruct the current model state
	// into dir.
	Save(ctx context.Context, dir string) error

	// Close releases the estimator's resources.
	Close() error
}

// Reloader is implemented by estimators that can restore a saved state.
type Reloader interface {
	Reload(ctx context.Context, dir string) error
}

// Factory constructs a fresh, unfitted estimator for one run.
type Factory func(ctx context.Context, p *config.Params) (Estimator, error)

// KindHooks binds the per-model-family behavior the selector dispatches on.
type KindHooks struct {
	// New builds an unfitted estimator.
	New Factory

	// Iterative marks families trained in epoch increments. Non-iterative
	// families run exactly one increment per fold.
	Iterative bool

	// SupportsUncertainty reports whether the family produces uncertainty
	// estimates for the given prediction type.
	SupportsUncertainty func(model.PredictionType) bool
}

// Registry maps model kinds to their hooks. A zero Registry is usable.
type Registry struct {
	mu    sync.RWMutex
	kinds map[model.Kind]KindHooks
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[model.Kind]KindHooks{}}
}

// Register installs hooks for a kind, replacing any previous entry.
func (r *Registry) Register(kind model.Kind, hooks KindHooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kinds == nil {
		r.kinds = map[model.Kind]KindHooks{}
	}
	r.kinds[kind] = hooks
}

// Hooks resolves the hooks for the model kind named by the run parameters.
func (r *Registry) Hooks(p *config.Params) (model.Kind, KindHooks, error) {
	kind, err := model.ParseKind(p.ModelType)
	if err != nil {
		return "", KindHooks{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.kinds[kind]
	if !ok {
		return "", KindHooks{}, apperrors.New(apperrors.CodeModelKindUnknown,
			fmt.Sprintf("no estimator registered for model type %q", kind))
	}
	return kind, h, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []model.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

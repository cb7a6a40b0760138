package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Router — выбирает провайдера по model.Provider
type Router struct {
	providers map[string]Provider
	timeout   time.Duration
}

func NewRouter(timeout time.Duration) *Router {
	return &Router{providers: make(map[string]Provider), timeout: timeout}
}

func (r *Router) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Router) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

func (r *Router) Invoke(ctx context.Context, req Request) (Output, error) {
	if req.InputKind != req.Model.InputKind || req.OutputKind != req.Model.OutputKind {
		return Output{}, fmt.Errorf("%w: %s expects %s -> %s",
			ErrInvalidInput, req.Model.Name, req.Model.InputKind, req.Model.OutputKind)
	}
	if len(req.Payload) == 0 {
		return Output{}, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}

	p, ok := r.providers[req.Model.Provider]
	if !ok {
		return Output{}, fmt.Errorf("%w: provider %q is not configured", ErrModelUnavailable, req.Model.Provider)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := p.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrProvider) {
			return Output{}, err
		}
		return Output{}, fmt.Errorf("%w: %s: %v", ErrProvider, req.Model.Provider, err)
	}
	return out, nil
}

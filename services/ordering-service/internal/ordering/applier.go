package ordering

import (
	"context"
	"errors"
)

// Applier performs the business effect of an event. It runs inside the aggregate's atomic
// scope; returning an error rolls the scope back.
type Applier interface {
	Apply(ctx context.Context, evt Event) error
}

type ApplierFunc func(ctx context.Context, evt Event) error

func (f ApplierFunc) Apply(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Appliers chains appliers in order and stops at the first failure.
func Appliers(appliers ...Applier) Applier {
	return ApplierFunc(func(ctx context.Context, evt Event) error {
		for _, a := range appliers {
			if a == nil {
				continue
			}
			if err := a.Apply(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

var errNoApplier = errors.New("no applier configured")

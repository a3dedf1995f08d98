package provision

import (
	"context"
	"errors"
)

// Fleet is the set of services managed together.
type Fleet []*Service

// Ready reports whether every service is ready. An empty fleet is ready.
func (f Fleet) Ready() bool {
	for _, service := range f {
		if !service.Ready() {
			return false
		}
	}

	return true
}

// Statuses returns a snapshot of every service.
func (f Fleet) Statuses() []Status {
	statuses := make([]Status, 0, len(f))
	for _, service := range f {
		statuses = append(statuses, service.Snapshot())
	}

	return statuses
}

// Stop stops every service and joins their errors.
func (f Fleet) Stop(ctx context.Context) error {
	var errs []error

	for _, service := range f {
		if err := service.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

package barrier

import (
	"context"
	"fmt"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// Member is a service taking part in the barrier.
type Member interface {
	// Name identifies the member in logs and errors.
	Name() string
	// Start provisions the member; it may block until the member runs.
	Start(ctx context.Context) (bool, error)
	// Ready reports whether the member is ready.
	Ready() bool
	// Installed is closed when the member becomes ready.
	Installed() <-chan struct{}
}

// Option configures AwaitAllReady.
type Option func(*options)

// options holds the barrier settings.
type options struct {
	// onReady is called once per member when it is seen ready.
	onReady func(name string)
}

// WithReadyHook registers a function notified as each member becomes ready.
func WithReadyHook(hook func(name string)) Option {
	return func(o *options) {
		o.onReady = hook
	}
}

// AwaitAllReady starts every member without waiting between them and blocks
// until all members are ready. It returns immediately when all members are
// already ready, and returns the first Start error otherwise reported.
//
//nolint:cyclop // The wait loop multiplexes three event sources.
func AwaitAllReady(ctx context.Context, members []Member, opts ...Option) (bool, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx = logger.WithName(ctx, "barrier")

	startErrs := make(chan error, len(members))

	for _, member := range members {
		go func() {
			if _, err := member.Start(ctx); err != nil {
				startErrs <- fmt.Errorf("start %s: %w", member.Name(), err)
			}
		}()
	}

	notified := make([]bool, len(members))
	notify := func(i int) {
		if notified[i] {
			return
		}

		notified[i] = true

		if o.onReady != nil {
			o.onReady(members[i].Name())
		}
	}

	// Fast path: nothing to wait for.
	if allReady(members) {
		for i := range members {
			notify(i)
		}

		logger.InfoKV(ctx, "All members already ready", "members", len(members))

		return true, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readyEvents := make(chan int, len(members))

	for i, member := range members {
		go func() {
			select {
			case <-member.Installed():
				readyEvents <- i
			case <-watchCtx.Done():
			}
		}()
	}

	logger.InfoKV(ctx, "Waiting for members", "members", len(members))

	for {
		select {
		case i := <-readyEvents:
			notify(i)
			logger.InfoKV(ctx, "Member ready", "member", members[i].Name())

			// Re-check the whole conjunction on every event.
			if allReady(members) {
				for j := range members {
					notify(j)
				}

				return true, nil
			}
		case err := <-startErrs:
			logger.ErrorKV(ctx, "Member failed to start", "error", err)

			return false, err
		case <-ctx.Done():
			return false, fmt.Errorf("await readiness: %w", ctx.Err())
		}
	}
}

func allReady(members []Member) bool {
	for _, member := range members {
		if !member.Ready() {
			return false
		}
	}

	return true
}

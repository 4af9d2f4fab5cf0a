package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Task is a long-running part of a process. It returns nil once ctx is
// cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every task and blocks until ctx is cancelled or one task
// fails, then cancels the rest and waits for them.
func Run(ctx context.Context, log *zap.Logger, tasks ...Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(tasks))
	for _, t := range tasks {
		go func(t Task) {
			log.Info("task started", zap.String("task", t.Name))
			results <- result{name: t.Name, err: t.Run(ctx)}
		}(t)
	}

	var first error
	for range tasks {
		r := <-results
		if r.err != nil && first == nil {
			log.Error("task failed", zap.String("task", r.name), zap.Error(r.err))
			first = fmt.Errorf("%s: %w", r.name, r.err)
			cancel()
			continue
		}
		log.Info("task stopped", zap.String("task", r.name))
	}
	return first
}

// HTTPTask serves srv until ctx is cancelled, then shuts it down gracefully.
func HTTPTask(srv *http.Server, grace time.Duration) Task {
	return Task{
		Name: "http",
		Run: func(ctx context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

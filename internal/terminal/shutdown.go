package terminal

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shutdown stops the monitors and force-kills every running terminal.
func (r *Registry) Shutdown() {
	r.StopMonitors()

	r.mu.Lock()
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.mu.Unlock()

	for _, t := range terms {
		if t.Status() != StatusRunning {
			continue
		}
		if err := t.proc.ForceKill(); err != nil {
			r.log.Debug("force kill failed", zap.String("terminal_id", t.id), zap.Error(err))
		}
		_ = t.proc.Close()
		r.handleExit(t, 137, "SIGKILL")
	}
}

// ShutdownGracefully asks every running terminal to terminate, waits up to
// timeout, and force-kills survivors. Exit watchers (each terminal's exited
// channel) exist from launch, so no exit can slip between the status check
// and the signal.
func (r *Registry) ShutdownGracefully(timeout time.Duration) error {
	r.StopMonitors()

	r.mu.Lock()
	var running []*Terminal
	for _, t := range r.terminals {
		t.mu.Lock()
		if t.status == StatusRunning {
			running = append(running, t)
		}
		t.mu.Unlock()
	}
	r.mu.Unlock()

	if len(running) == 0 {
		return nil
	}
	r.log.Info("shutting down terminals",
		zap.Int("count", len(running)),
		zap.Duration("timeout", timeout))

	for _, t := range running {
		if err := t.proc.Terminate(); err != nil {
			r.log.Debug("terminate failed", zap.String("terminal_id", t.id), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range running {
		t := t
		g.Go(func() error {
			select {
			case <-t.exited:
				return nil
			case <-ctx.Done():
				r.log.Warn("terminal did not exit in time, force killing",
					zap.String("terminal_id", t.id))
				if err := t.proc.ForceKill(); err != nil {
					r.log.Debug("force kill failed",
						zap.String("terminal_id", t.id), zap.Error(err))
				}
				_ = t.proc.Close()
				r.handleExit(t, 137, "SIGKILL")
				return nil
			}
		})
	}
	return g.Wait()
}

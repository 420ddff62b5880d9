package terminal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/perf"
)

const idleCheckInterval = 30 * time.Second

// StartMonitors launches the idle-eviction and perf-reporting loops. They
// run until StopMonitors or shutdown.
func (r *Registry) StartMonitors() {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runIdleMonitor()
	}()

	if r.perfCfg.Enabled && r.sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runPerfMonitor()
		}()
	}

	go func() {
		wg.Wait()
		close(r.monitorsDone)
	}()
}

// StopMonitors stops the monitor loops. Safe to call more than once.
func (r *Registry) StopMonitors() {
	r.stopOnce.Do(func() {
		close(r.stopMonitors)
	})
}

// runIdleMonitor periodically kills running terminals that have had no
// clients and no activity for the configured idle window, warning one
// cycle ahead when configured.
func (r *Registry) runIdleMonitor() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopMonitors:
			return
		case <-ticker.C:
			r.sweepIdleTerminals(time.Now())
		}
	}
}

// sweepIdleTerminals applies the idle policy once. Split out for tests.
func (r *Registry) sweepIdleTerminals(now time.Time) {
	killMinutes := r.termCfg.AutoKillIdleMinutes
	if killMinutes <= 0 {
		return
	}
	warnMinutes := r.termCfg.WarnBeforeKillMinutes
	if warnMinutes <= 0 || warnMinutes >= killMinutes {
		warnMinutes = 0
	}

	r.mu.Lock()
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.mu.Unlock()

	for _, t := range terms {
		t.mu.Lock()
		idle := now.Sub(t.lastActivityAt)
		eligible := t.status == StatusRunning && len(t.clients) == 0
		shouldWarn := false
		if eligible && warnMinutes > 0 && !t.warnedIdle &&
			idle >= time.Duration(killMinutes-warnMinutes)*time.Minute &&
			idle < time.Duration(killMinutes)*time.Minute {
			t.warnedIdle = true
			shouldWarn = true
		}
		shouldKill := eligible && idle >= time.Duration(killMinutes)*time.Minute
		id := t.id
		t.mu.Unlock()

		if shouldWarn {
			r.log.Info("terminal idle warning", zap.String("terminal_id", id))
			r.publish(bus.SubjectTerminalIdleWarning, map[string]any{
				"terminalId":  id,
				"idleMinutes": int(idle.Minutes()),
			})
		}
		if shouldKill {
			r.log.Info("killing idle terminal",
				zap.String("terminal_id", id),
				zap.Int("idle_minutes", int(idle.Minutes())))
			r.Kill(id)
		}
	}
}

// runPerfMonitor periodically drains per-terminal counters to the sink.
func (r *Registry) runPerfMonitor() {
	interval := time.Duration(r.perfCfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopMonitors:
			return
		case <-ticker.C:
			r.reportPerf()
		}
	}
}

// reportPerf drains and emits counters for terminals with activity.
func (r *Registry) reportPerf() {
	r.mu.Lock()
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.mu.Unlock()

	for _, t := range terms {
		snap := t.counters.Drain()
		if snap == (perf.Snapshot{}) {
			continue
		}
		r.sink.Emit(perf.Event{
			TerminalID: t.id,
			Kind:       "report",
			Snapshot:   snap,
		})
	}
}

// Package perf collects non-blocking per-terminal I/O counters and
// input-to-output lag measurements, feeding them to a pluggable sink.
package perf

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/logger"
)

// Counters tracks one terminal's traffic. All operations are lock-free so
// the PTY data path never blocks on metrics.
type Counters struct {
	bytesIn   atomic.Int64
	chunksIn  atomic.Int64
	bytesOut  atomic.Int64
	chunksOut atomic.Int64
	dropped   atomic.Int64

	// pendingInputAt is the unix-nano timestamp of the oldest
	// unanswered input, 0 when none is pending.
	pendingInputAt atomic.Int64
	maxLagMs       atomic.Int64
	lastLagEventAt atomic.Int64
}

// RecordInput counts an input write and arms the lag marker if idle.
func (c *Counters) RecordInput(n int) {
	c.bytesIn.Add(int64(n))
	c.chunksIn.Add(1)
	c.pendingInputAt.CompareAndSwap(0, time.Now().UnixNano())
}

// RecordOutput counts an output chunk.
func (c *Counters) RecordOutput(n int) {
	c.bytesOut.Add(int64(n))
	c.chunksOut.Add(1)
}

// RecordDrop counts a message dropped to backpressure.
func (c *Counters) RecordDrop() {
	c.dropped.Add(1)
}

// TakeLag measures and clears the input-to-output lag marker. Returns the
// lag and true when a marker was armed.
func (c *Counters) TakeLag() (time.Duration, bool) {
	at := c.pendingInputAt.Swap(0)
	if at == 0 {
		return 0, false
	}
	lag := time.Since(time.Unix(0, at))
	ms := lag.Milliseconds()
	for {
		cur := c.maxLagMs.Load()
		if ms <= cur || c.maxLagMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	return lag, true
}

// ShouldEmitLagEvent rate-limits lag events to one per interval.
func (c *Counters) ShouldEmitLagEvent(interval time.Duration) bool {
	now := time.Now().UnixNano()
	last := c.lastLagEventAt.Load()
	if now-last < interval.Nanoseconds() {
		return false
	}
	return c.lastLagEventAt.CompareAndSwap(last, now)
}

// Snapshot is a point-in-time copy of the counters. Drain-style: reading
// through Drain resets the traffic counters but keeps the lag maximum.
type Snapshot struct {
	BytesIn   int64
	ChunksIn  int64
	BytesOut  int64
	ChunksOut int64
	Dropped   int64
	MaxLagMs  int64
}

// Drain returns the accumulated counters and resets them.
func (c *Counters) Drain() Snapshot {
	return Snapshot{
		BytesIn:   c.bytesIn.Swap(0),
		ChunksIn:  c.chunksIn.Swap(0),
		BytesOut:  c.bytesOut.Swap(0),
		ChunksOut: c.chunksOut.Swap(0),
		Dropped:   c.dropped.Swap(0),
		MaxLagMs:  c.maxLagMs.Swap(0),
	}
}

// Event is one perf observation delivered to the sink.
type Event struct {
	TerminalID string
	Kind       string // "report" or "lag"
	Snapshot   Snapshot
	LagMs      int64
}

// Sink receives perf events. Implementations must not block.
type Sink interface {
	Emit(ev Event)
}

// LogSink writes perf events to the structured log. Events always log at
// debug with a perfSeverity side field escalating to "warn" on drops or
// excessive lag, so downstream filters keep the structured context.
type LogSink struct {
	log            *logger.Logger
	lagThresholdMs int64
}

// NewLogSink creates a LogSink escalating severity at the given lag
// threshold.
func NewLogSink(log *logger.Logger, lagThresholdMs int64) *LogSink {
	return &LogSink{log: log, lagThresholdMs: lagThresholdMs}
}

// Emit implements Sink.
func (s *LogSink) Emit(ev Event) {
	severity := "info"
	if ev.Snapshot.Dropped > 0 || ev.LagMs >= s.lagThresholdMs || ev.Snapshot.MaxLagMs >= s.lagThresholdMs {
		severity = "warn"
	}
	s.log.Debug("terminal perf",
		zap.String("perfSeverity", severity),
		zap.String("terminal_id", ev.TerminalID),
		zap.String("kind", ev.Kind),
		zap.Int64("bytes_in", ev.Snapshot.BytesIn),
		zap.Int64("chunks_in", ev.Snapshot.ChunksIn),
		zap.Int64("bytes_out", ev.Snapshot.BytesOut),
		zap.Int64("chunks_out", ev.Snapshot.ChunksOut),
		zap.Int64("dropped", ev.Snapshot.Dropped),
		zap.Int64("max_lag_ms", ev.Snapshot.MaxLagMs),
		zap.Int64("lag_ms", ev.LagMs))
}

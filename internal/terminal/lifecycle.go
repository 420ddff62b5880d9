package terminal

import (
	"time"

	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/perf"
	"github.com/gfbonny/freshell/internal/protocol"
)

// readOutput pumps PTY output into the data handler until the PTY closes.
// Runs on its own goroutine per terminal.
func (r *Registry) readOutput(t *Terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.handleData(t, chunk)
		}
		if err != nil {
			// EOF or a closed PTY; the wait goroutine reports the
			// exit status.
			return
		}
	}
}

// waitForExit blocks on the subprocess and funnels its exit status into the
// idempotent exit handler.
func (r *Registry) waitForExit(t *Terminal) {
	exitCode, signalName, err := t.proc.Wait()
	if err != nil {
		r.log.Debug("terminal process exited with error",
			zap.String("terminal_id", t.id),
			zap.Int("exit_code", exitCode),
			zap.String("signal", signalName),
			zap.Error(err))
	}
	_ = t.proc.Close()
	r.handleExit(t, exitCode, signalName)
}

// handleData processes one PTY output chunk: stamps activity, appends to
// scrollback, measures input-to-output lag, and fans out to attached
// clients or their pending-snapshot queues.
func (r *Registry) handleData(t *Terminal, chunk []byte) {
	t.counters.RecordOutput(len(chunk))

	if lag, ok := t.counters.TakeLag(); ok && r.sink != nil {
		threshold := time.Duration(r.perfCfg.LagThresholdMS) * time.Millisecond
		if threshold > 0 && lag >= threshold && t.counters.ShouldEmitLagEvent(10*time.Second) {
			r.sink.Emit(perf.Event{
				TerminalID: t.id,
				Kind:       "lag",
				LagMs:      lag.Milliseconds(),
			})
		}
	}

	var sendTo []Client
	var overflowed []Client

	t.mu.Lock()
	// The scrollback append and the queue routing happen under one lock
	// hold, giving attach snapshots a single consistent boundary: a chunk
	// is either in the snapshot or in the pending queue, never both.
	t.buffer.Append(chunk)
	t.lastActivityAt = time.Now()
	t.warnedIdle = false
	for id, client := range t.clients {
		if q, ok := t.pending[id]; ok {
			if q.queuedChars+len(chunk) > int(r.limits.MaxPendingSnapshotChars) {
				delete(t.pending, id)
				delete(t.clients, id)
				overflowed = append(overflowed, client)
				continue
			}
			q.chunks = append(q.chunks, chunk)
			q.queuedChars += len(chunk)
			continue
		}
		sendTo = append(sendTo, client)
	}
	t.mu.Unlock()

	for _, client := range overflowed {
		t.counters.RecordDrop()
		client.CloseWithCode(protocol.CloseBackpressure, "Attach snapshot queue overflow")
	}
	msg := protocol.TerminalOutput{
		Type:       protocol.TypeTerminalOutput,
		TerminalID: t.id,
		Data:       string(chunk),
	}
	for _, client := range sendTo {
		r.SafeSend(client, msg, t.counters)
	}
}

// handleExit marks the terminal exited and notifies clients. Idempotent:
// the exit marker is the status transition, so the kill path and the wait
// goroutine can both call it safely.
func (r *Registry) handleExit(t *Terminal, exitCode int, signalName string) {
	t.mu.Lock()
	if t.status == StatusExited {
		t.mu.Unlock()
		return
	}
	t.status = StatusExited
	if !t.hasExitCode {
		t.exitCode = exitCode
		t.hasExitCode = true
	}
	t.exitedAt = time.Now()
	clients := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.clients = make(map[string]Client)
	t.pending = make(map[string]*pendingQueue)
	code := t.exitCode
	close(t.exited)
	t.mu.Unlock()

	r.log.Info("terminal exited",
		zap.String("terminal_id", t.id),
		zap.Int("exit_code", code),
		zap.String("signal", signalName))

	msg := protocol.TerminalExit{
		Type:       protocol.TypeTerminalExit,
		TerminalID: t.id,
		ExitCode:   code,
	}
	for _, client := range clients {
		r.SafeSend(client, msg, t.counters)
	}

	r.publish(bus.SubjectTerminalExit, map[string]any{
		"terminalId": t.id,
		"exitCode":   code,
	})
	r.publish(bus.SubjectTerminalListUpdated, map[string]any{"terminalId": t.id})

	r.mu.Lock()
	r.reapExitedLocked()
	r.mu.Unlock()
}

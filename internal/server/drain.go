package server

import (
	"time"

	"github.com/gfbonny/freshell/internal/protocol"
)

const (
	// drainThreshold is the buffered-bytes level under which a chunked
	// delivery may continue.
	drainThreshold = 512 * 1024
	// drainPollInterval paces the buffered-bytes checks.
	drainPollInterval = 10 * time.Millisecond
	// drainTimeout bounds how long a chunked delivery waits on one slow
	// client.
	drainTimeout = 10 * time.Second
)

// waitForDrain blocks until the client's buffered bytes fall below
// threshold. Returns false when the timeout elapses, the socket closes, or
// shouldCancel reports the stream is superseded.
func waitForDrain(client *wsClient, threshold int64, timeout time.Duration, shouldCancel func() bool) bool {
	if client.BufferedAmount() < threshold {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.Closed():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if shouldCancel != nil && shouldCancel() {
				return false
			}
			if client.BufferedAmount() < threshold {
				return true
			}
		}
	}
}

// sendChunkedSnapshot streams a large snapshot as attached.start,
// attached.chunk*, attached.end with drain waits between chunks. Returns
// false when the stream aborted (close, timeout, superseded generation);
// the caller must not finish the attach in that case.
func (h *Handler) sendChunkedSnapshot(state *connState, terminalID string, snapshot []byte) bool {
	client := state.client
	generation := state.currentGeneration()
	cancelled := func() bool {
		return client.IsClosed() || state.currentGeneration() != generation
	}

	if err := client.Send(protocol.AttachedStart{
		Type:       protocol.TypeAttachedStart,
		TerminalID: terminalID,
	}); err != nil {
		return false
	}

	chunkSize := h.cfg.Limits.MaxWSChunkBytes
	index := 0
	for offset := 0; offset < len(snapshot); offset += chunkSize {
		if cancelled() {
			return false
		}
		if !waitForDrain(client, drainThreshold, drainTimeout, cancelled) {
			return false
		}
		end := offset + chunkSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := client.Send(protocol.AttachedChunk{
			Type:       protocol.TypeAttachedChunk,
			TerminalID: terminalID,
			Index:      index,
			Data:       string(snapshot[offset:end]),
		}); err != nil {
			return false
		}
		index++
	}

	if !waitForDrain(client, drainThreshold, drainTimeout, cancelled) {
		return false
	}
	if client.IsClosed() {
		return false
	}
	return client.Send(protocol.AttachedEnd{
		Type:       protocol.TypeAttachedEnd,
		TerminalID: terminalID,
	}) == nil
}

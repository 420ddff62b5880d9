package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gfbonny/freshell/internal/protocol"
)

// Rate limit for terminal.create per connection.
const (
	createRateLimit  = 10
	createRateWindow = 10 * time.Second
)

// connState is the per-connection session state: authentication, negotiated
// capabilities, attach bookkeeping, create idempotency, and the primitives
// that keep concurrent snapshot streams well-formed.
type connState struct {
	client *wsClient

	mu                sync.Mutex
	authenticated     bool
	caps              protocol.Capabilities
	attached          map[string]struct{}
	requestToTerminal map[string]string
	createTimes       []time.Time

	// generation supersedes in-flight chunked deliveries: bump it and
	// any stream that started under an older value aborts.
	generation atomic.Int64

	streamGuard sync.Mutex
	streamMu    map[string]*sync.Mutex
}

func newConnState(client *wsClient) *connState {
	return &connState{
		client:            client,
		attached:          make(map[string]struct{}),
		requestToTerminal: make(map[string]string),
		streamMu:          make(map[string]*sync.Mutex),
	}
}

func (s *connState) authenticate(caps protocol.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.caps = caps
}

func (s *connState) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *connState) capabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *connState) trackAttach(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[terminalID] = struct{}{}
}

func (s *connState) untrackAttach(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, terminalID)
}

// attachedIDs returns the terminals this connection touched, keeping
// disconnect cleanup proportional to the attach count.
func (s *connState) attachedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	return ids
}

// terminalForRequest returns the terminal already bound to a create
// request id, making terminal.create idempotent per (connection, requestId).
func (s *connState) terminalForRequest(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.requestToTerminal[requestID]
	return id, ok
}

func (s *connState) bindRequest(requestID, terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestToTerminal[requestID] = terminalID
}

// allowCreate applies the sliding-window create rate limit.
func (s *connState) allowCreate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-createRateWindow)
	kept := s.createTimes[:0]
	for _, ts := range s.createTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.createTimes = kept
	if len(s.createTimes) >= createRateLimit {
		return false
	}
	s.createTimes = append(s.createTimes, now)
	return true
}

// bumpGeneration invalidates in-flight chunked deliveries.
func (s *connState) bumpGeneration() int64 {
	return s.generation.Add(1)
}

func (s *connState) currentGeneration() int64 {
	return s.generation.Load()
}

// streamMutex returns the per-terminal mutex serializing snapshot streams
// on this connection, preserving start..end bracketing.
func (s *connState) streamMutex(terminalID string) *sync.Mutex {
	s.streamGuard.Lock()
	defer s.streamGuard.Unlock()
	mu, ok := s.streamMu[terminalID]
	if !ok {
		mu = &sync.Mutex{}
		s.streamMu[terminalID] = mu
	}
	return mu
}

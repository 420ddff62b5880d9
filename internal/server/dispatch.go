package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/protocol"
	"github.com/gfbonny/freshell/internal/spawn"
	"github.com/gfbonny/freshell/internal/terminal"
)

// dispatch routes one frame. Malformed frames produce an error message but
// keep the connection open; only authentication failures close it.
func (h *Handler) dispatch(state *connState, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid JSON message", "")
		return
	}

	// ping and hello are valid before authentication.
	switch env.Type {
	case protocol.TypePing:
		_ = state.client.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
		return
	case protocol.TypeHello:
		h.handleHello(state, raw)
		return
	}

	if !state.isAuthenticated() {
		h.sendError(state, protocol.CodeNotAuthenticated, "authenticate first", "")
		state.client.CloseWithCode(protocol.CloseAuthFailed, "Not authenticated")
		return
	}

	switch env.Type {
	case protocol.TypeTerminalCreate:
		h.handleCreate(state, raw)
	case protocol.TypeTerminalAttach:
		h.handleAttach(state, raw)
	case protocol.TypeTerminalDetach:
		h.handleDetach(state, raw)
	case protocol.TypeTerminalInput:
		h.handleInput(state, raw)
	case protocol.TypeTerminalResize:
		h.handleResize(state, raw)
	case protocol.TypeTerminalKill:
		h.handleKill(state, raw)
	case protocol.TypeTerminalList:
		h.handleList(state, raw)
	default:
		h.sendError(state, protocol.CodeInvalidMessage, "unknown message type: "+env.Type, "")
	}
}

func (h *Handler) handleHello(state *connState, raw []byte) {
	var msg protocol.Hello
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid hello", "")
		return
	}

	// Post-auth hello is idempotent.
	if state.isAuthenticated() {
		_ = state.client.Send(protocol.Ready{Type: protocol.TypeReady})
		return
	}

	if h.cfg.Auth.Token != "" && msg.Token != h.cfg.Auth.Token {
		h.sendError(state, protocol.CodeNotAuthenticated, "invalid token", "")
		state.client.CloseWithCode(protocol.CloseAuthFailed, "Authentication failed")
		return
	}

	state.authenticate(msg.Capabilities)
	_ = state.client.Send(protocol.Ready{Type: protocol.TypeReady})
	h.log.Debug("client authenticated", zap.String("client_id", state.client.id))

	h.postHelloProvisioning(state)
}

// postHelloProvisioning pushes the settings and sessions snapshots to a
// freshly authenticated connection.
func (h *Handler) postHelloProvisioning(state *connState) {
	if h.settings != nil {
		_ = state.client.Send(protocol.SettingsUpdated{
			Type:     protocol.TypeSettingsUpdated,
			Settings: h.settings.Snapshot(),
		})
	}
	if h.sessions != nil {
		generation := state.currentGeneration()
		projects, err := h.sessions.Snapshot(context.Background())
		if err != nil {
			h.log.Warn("sessions snapshot failed", zap.Error(err))
			return
		}
		cancelled := func() bool {
			return state.client.IsClosed() || state.currentGeneration() != generation
		}
		if !waitForDrain(state.client, drainThreshold, drainTimeout, cancelled) {
			return
		}
		_ = state.client.Send(protocol.SessionsUpdated{
			Type:     protocol.TypeSessionsUpdated,
			Projects: projects,
		})
	}
}

func (h *Handler) handleCreate(state *connState, raw []byte) {
	var msg protocol.TerminalCreate
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.create", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), msg.RequestID)
		return
	}
	mode := spawn.Mode(msg.Mode)
	if !mode.Valid() {
		h.sendError(state, protocol.CodeInvalidMessage, "unknown mode: "+msg.Mode, msg.RequestID)
		return
	}

	// Idempotent per (connection, requestId).
	if id, ok := state.terminalForRequest(msg.RequestID); ok {
		if term := h.registry.Get(id); term != nil {
			h.respondCreated(state, msg.RequestID, term, true)
			return
		}
	}

	if !state.allowCreate(time.Now()) {
		h.sendError(state, protocol.CodeRateLimited, "too many terminal.create calls", msg.RequestID)
		return
	}

	// A running terminal already bound to this provider session is
	// reused instead of spawning a twin.
	if msg.ResumeSessionID != "" && mode != spawn.ModeShell {
		if term := h.registry.FindRunningTerminalBySession(mode, msg.ResumeSessionID); term != nil {
			state.bindRequest(msg.RequestID, term.ID())
			h.respondCreated(state, msg.RequestID, term, true)
			return
		}
	}

	term, err := h.registry.Create(terminal.CreateOptions{
		Mode:            mode,
		Shell:           spawn.Shell(msg.Shell),
		Cwd:             msg.Cwd,
		Cols:            msg.Cols,
		Rows:            msg.Rows,
		ResumeSessionID: msg.ResumeSessionID,
		PermissionMode:  msg.PermissionMode,
		EnvContext: spawn.EnvContext{
			TabID:  msg.EnvContext.TabID,
			PaneID: msg.EnvContext.PaneID,
		},
	})
	if err != nil {
		if errors.Is(err, terminal.ErrMaxTerminals) {
			h.sendError(state, protocol.CodeMaxTerminalsReached, err.Error(), msg.RequestID)
			return
		}
		h.log.Error("terminal create failed", zap.Error(err))
		h.sendError(state, protocol.CodeInternal, "failed to create terminal", msg.RequestID)
		return
	}

	state.bindRequest(msg.RequestID, term.ID())
	h.respondCreated(state, msg.RequestID, term, false)
}

// respondCreated answers terminal.create. For reused terminals the current
// scrollback rides along: inline when small, as a chunked attach stream
// when large and the client negotiated chunking.
func (h *Handler) respondCreated(state *connState, requestID string, term *terminal.Terminal, withSnapshot bool) {
	resp := protocol.TerminalCreated{
		Type:                     protocol.TypeTerminalCreated,
		RequestID:                requestID,
		TerminalID:               term.ID(),
		EffectiveResumeSessionID: term.ResumeSessionID(),
	}
	if !withSnapshot {
		_ = state.client.Send(resp)
		return
	}

	mu := state.streamMutex(term.ID())
	mu.Lock()
	defer mu.Unlock()

	attached, snapshot := h.registry.AttachWithSnapshot(term.ID(), state.client)
	if attached == nil {
		_ = state.client.Send(resp)
		return
	}
	state.trackAttach(term.ID())

	if len(snapshot) > h.cfg.Limits.MaxWSChunkBytes && state.capabilities().TerminalAttachChunkV1 {
		resp.SnapshotChunked = true
		_ = state.client.Send(resp)
		if !h.sendChunkedSnapshot(state, term.ID(), snapshot) {
			h.registry.Detach(term.ID(), state.client)
			state.untrackAttach(term.ID())
			return
		}
	} else {
		resp.Snapshot = string(snapshot)
		_ = state.client.Send(resp)
	}
	h.registry.FinishAttachSnapshot(term.ID(), state.client)
}

func (h *Handler) handleAttach(state *connState, raw []byte) {
	var msg protocol.TerminalRef
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.attach", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}

	// Serialize competing snapshot streams for the same terminal on this
	// connection so start..end brackets never interleave.
	mu := state.streamMutex(msg.TerminalID)
	mu.Lock()
	defer mu.Unlock()

	// The snapshot is captured atomically with the pending-queue creation
	// so output racing the attach is never delivered twice.
	term, snapshot := h.registry.AttachWithSnapshot(msg.TerminalID, state.client)
	if term == nil {
		h.sendError(state, protocol.CodeInvalidTerminalID, "terminal not found: "+msg.TerminalID, "")
		return
	}
	state.trackAttach(msg.TerminalID)

	if len(snapshot) > h.cfg.Limits.MaxWSChunkBytes && state.capabilities().TerminalAttachChunkV1 {
		if !h.sendChunkedSnapshot(state, msg.TerminalID, snapshot) {
			// Stream aborted: no finishAttachSnapshot for it.
			h.registry.Detach(msg.TerminalID, state.client)
			state.untrackAttach(msg.TerminalID)
			return
		}
	} else {
		if err := state.client.Send(protocol.TerminalAttached{
			Type:       protocol.TypeTerminalAttached,
			TerminalID: msg.TerminalID,
			Snapshot:   string(snapshot),
		}); err != nil {
			h.registry.Detach(msg.TerminalID, state.client)
			state.untrackAttach(msg.TerminalID)
			return
		}
	}
	h.registry.FinishAttachSnapshot(msg.TerminalID, state.client)
}

func (h *Handler) handleDetach(state *connState, raw []byte) {
	var msg protocol.TerminalRef
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.detach", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	if !h.registry.Detach(msg.TerminalID, state.client) {
		h.sendError(state, protocol.CodeInvalidTerminalID, "terminal not found: "+msg.TerminalID, "")
		return
	}
	state.untrackAttach(msg.TerminalID)
}

func (h *Handler) handleInput(state *connState, raw []byte) {
	var msg protocol.TerminalInput
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.input", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	if !h.registry.Input(msg.TerminalID, []byte(msg.Data)) {
		h.sendError(state, protocol.CodeInvalidTerminalID, "terminal not found or exited: "+msg.TerminalID, "")
	}
}

func (h *Handler) handleResize(state *connState, raw []byte) {
	var msg protocol.TerminalResize
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.resize", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	if !h.registry.Resize(msg.TerminalID, uint16(msg.Cols), uint16(msg.Rows)) {
		h.sendError(state, protocol.CodeInvalidTerminalID, "terminal not found: "+msg.TerminalID, "")
	}
}

func (h *Handler) handleKill(state *connState, raw []byte) {
	var msg protocol.TerminalRef
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.kill", "")
		return
	}
	if err := msg.Validate(); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	if !h.registry.Kill(msg.TerminalID) {
		h.sendError(state, protocol.CodeInvalidTerminalID, "terminal not found: "+msg.TerminalID, "")
	}
}

func (h *Handler) handleList(state *connState, raw []byte) {
	var msg protocol.TerminalList
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(state, protocol.CodeInvalidMessage, "invalid terminal.list", "")
		return
	}
	_ = state.client.Send(protocol.TerminalListResponse{
		Type:      protocol.TypeTerminalListResponse,
		RequestID: msg.RequestID,
		Terminals: h.registry.List(),
	})
}

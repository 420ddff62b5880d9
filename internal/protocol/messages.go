// Package protocol defines the JSON message types exchanged over the
// terminal WebSocket, shared by the session handler and the registry.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators, client to server.
const (
	TypeHello          = "hello"
	TypePing           = "ping"
	TypeTerminalCreate = "terminal.create"
	TypeTerminalAttach = "terminal.attach"
	TypeTerminalDetach = "terminal.detach"
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
	TypeTerminalKill   = "terminal.kill"
	TypeTerminalList   = "terminal.list"
)

// Message type discriminators, server to client.
const (
	TypeReady                = "ready"
	TypePong                 = "pong"
	TypeError                = "error"
	TypeSettingsUpdated      = "settings.updated"
	TypeSessionsUpdated      = "sessions.updated"
	TypeTerminalCreated      = "terminal.created"
	TypeTerminalAttached     = "terminal.attached"
	TypeAttachedStart        = "attached.start"
	TypeAttachedChunk        = "attached.chunk"
	TypeAttachedEnd          = "attached.end"
	TypeTerminalOutput       = "terminal.output"
	TypeTerminalExit         = "terminal.exit"
	TypeTerminalListResponse = "terminal.list.response"
	TypeTerminalListUpdated  = "terminal.list.updated"
)

// Error codes carried on error frames.
const (
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeNotAuthenticated    = "NOT_AUTHENTICATED"
	CodeInvalidTerminalID   = "INVALID_TERMINAL_ID"
	CodeMaxTerminalsReached = "MAX_TERMINALS_REACHED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL"
)

// WebSocket close codes.
const (
	CloseNormal             = 1000
	CloseAuthFailed         = 4001
	CloseTooManyConnections = 4003
	CloseBackpressure       = 4008
)

// Resize bounds accepted from clients.
const (
	MinCols = 2
	MaxCols = 1000
	MinRows = 2
	MaxRows = 500
)

// Envelope is the minimal frame used to pick a message type before full
// decoding.
type Envelope struct {
	Type string `json:"type"`
}

// Capabilities are the optional feature flags a client declares in hello.
type Capabilities struct {
	SessionsPatchV1       bool `json:"sessionsPatchV1,omitempty"`
	TerminalAttachChunkV1 bool `json:"terminalAttachChunkV1,omitempty"`
}

// Hello is the authentication handshake message.
type Hello struct {
	Type         string       `json:"type"`
	Token        string       `json:"token"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// EnvContext carries optional tab/pane identifiers for the child env.
type EnvContext struct {
	TabID  string `json:"tabId,omitempty"`
	PaneID string `json:"paneId,omitempty"`
}

// TerminalCreate requests a new terminal.
type TerminalCreate struct {
	Type            string     `json:"type"`
	RequestID       string     `json:"requestId"`
	Mode            string     `json:"mode"`
	Shell           string     `json:"shell,omitempty"`
	Cwd             string     `json:"cwd,omitempty"`
	Cols            int        `json:"cols,omitempty"`
	Rows            int        `json:"rows,omitempty"`
	ResumeSessionID string     `json:"resumeSessionId,omitempty"`
	EnvContext      EnvContext `json:"envContext,omitempty"`
	PermissionMode  string     `json:"permissionMode,omitempty"`
}

// Validate checks required fields and bounds.
func (m *TerminalCreate) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	if m.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	if m.Cols != 0 && (m.Cols < MinCols || m.Cols > MaxCols) {
		return fmt.Errorf("cols must be in [%d,%d]", MinCols, MaxCols)
	}
	if m.Rows != 0 && (m.Rows < MinRows || m.Rows > MaxRows) {
		return fmt.Errorf("rows must be in [%d,%d]", MinRows, MaxRows)
	}
	return nil
}

// TerminalRef addresses an existing terminal (attach, detach, kill).
type TerminalRef struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// Validate checks the terminal id is present.
func (m *TerminalRef) Validate() error {
	if m.TerminalID == "" {
		return fmt.Errorf("terminalId is required")
	}
	return nil
}

// TerminalInput forwards keystrokes to a terminal.
type TerminalInput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// Validate checks the terminal id is present.
func (m *TerminalInput) Validate() error {
	if m.TerminalID == "" {
		return fmt.Errorf("terminalId is required")
	}
	return nil
}

// TerminalResize changes a terminal's dimensions.
type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// Validate checks the id and dimension bounds.
func (m *TerminalResize) Validate() error {
	if m.TerminalID == "" {
		return fmt.Errorf("terminalId is required")
	}
	if m.Cols < MinCols || m.Cols > MaxCols {
		return fmt.Errorf("cols must be in [%d,%d]", MinCols, MaxCols)
	}
	if m.Rows < MinRows || m.Rows > MaxRows {
		return fmt.Errorf("rows must be in [%d,%d]", MinRows, MaxRows)
	}
	return nil
}

// TerminalList requests the terminal list.
type TerminalList struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Ready acknowledges a successful handshake.
type Ready struct {
	Type string `json:"type"`
}

// Pong answers a ping with the server timestamp in unix milliseconds.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a recoverable protocol or resource error.
type Error struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// NewError builds an error frame.
func NewError(code, message, requestID string) Error {
	return Error{Type: TypeError, Code: code, Message: message, RequestID: requestID}
}

// TerminalCreated answers terminal.create.
type TerminalCreated struct {
	Type                     string `json:"type"`
	RequestID                string `json:"requestId"`
	TerminalID               string `json:"terminalId"`
	Snapshot                 string `json:"snapshot,omitempty"`
	SnapshotChunked          bool   `json:"snapshotChunked,omitempty"`
	EffectiveResumeSessionID string `json:"effectiveResumeSessionId,omitempty"`
}

// TerminalAttached delivers an inline snapshot on attach.
type TerminalAttached struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Snapshot   string `json:"snapshot"`
}

// AttachedStart opens a chunked snapshot stream.
type AttachedStart struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// AttachedChunk carries one ordered piece of a chunked snapshot.
type AttachedChunk struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Index      int    `json:"index"`
	Data       string `json:"data"`
}

// AttachedEnd closes a chunked snapshot stream.
type AttachedEnd struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutput carries live PTY output.
type TerminalOutput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalExit notifies attached clients that the PTY exited.
type TerminalExit struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

// TerminalDescriptor is the lightweight list entry for UI.
type TerminalDescriptor struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Mode            string `json:"mode"`
	Cwd             string `json:"cwd,omitempty"`
	GitBranch       string `json:"gitBranch,omitempty"`
	Status          string `json:"status"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	LastActivityAt  int64  `json:"lastActivityAt"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// TerminalListResponse answers terminal.list.
type TerminalListResponse struct {
	Type      string               `json:"type"`
	RequestID string               `json:"requestId,omitempty"`
	Terminals []TerminalDescriptor `json:"terminals"`
}

// TerminalListUpdated nudges clients to refresh their terminal list.
type TerminalListUpdated struct {
	Type string `json:"type"`
}

// SettingsUpdated pushes the current settings snapshot after hello.
type SettingsUpdated struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
}

// SessionsUpdated pushes the project sessions snapshot after hello.
type SessionsUpdated struct {
	Type     string          `json:"type"`
	Projects json.RawMessage `json:"projects"`
}

package terminal

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/perf"
	"github.com/gfbonny/freshell/internal/protocol"
	"github.com/gfbonny/freshell/internal/spawn"
)

// Registry owns all terminal records and their PTY lifecycles. It is the
// single owner: every mutation goes through its methods.
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*Terminal

	// launching counts creates that passed the cap check but have not
	// inserted their record yet, keeping the cap exact while a spawn is
	// in flight.
	launching int

	limits  config.LimitsConfig
	termCfg config.TerminalConfig
	perfCfg config.PerfConfig

	// scrollbackChars is the derived per-terminal buffer cap; updated
	// by SetSettings and pushed into existing buffers.
	scrollbackChars int

	resolver *spawn.Resolver
	host     spawn.Host
	bus      bus.EventBus
	log      *logger.Logger
	sink     perf.Sink
	git      GitResolver
	launch   launchFunc

	stopMonitors chan struct{}
	monitorsDone chan struct{}
	stopOnce     sync.Once
}

// NewRegistry builds a registry. Call StartMonitors to enable idle
// eviction and perf reporting, and Shutdown / ShutdownGracefully on exit.
func NewRegistry(cfg *config.Config, resolver *spawn.Resolver, eventBus bus.EventBus, sink perf.Sink, log *logger.Logger) *Registry {
	return &Registry{
		terminals:       make(map[string]*Terminal),
		limits:          cfg.Limits,
		termCfg:         cfg.Terminal,
		perfCfg:         cfg.Perf,
		scrollbackChars: int(cfg.ScrollbackChars()),
		resolver:        resolver,
		host:            spawn.DetectHost(),
		bus:             eventBus,
		log:             log,
		sink:            sink,
		launch:          defaultLaunch,
		stopMonitors:    make(chan struct{}),
		monitorsDone:    make(chan struct{}),
	}
}

// SetGitResolver installs the optional branch lookup used to decorate
// list descriptors. Safe to leave unset.
func (r *Registry) SetGitResolver(g GitResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.git = g
}

// Create launches a new terminal. When a running terminal already owns the
// requested (mode, resumeSessionId) pair, the incumbent is returned instead
// of spawning a second process.
func (r *Registry) Create(opts CreateOptions) (*Terminal, error) {
	r.mu.Lock()
	r.reapExitedLocked()

	if opts.ResumeSessionID != "" && opts.Mode != spawn.ModeShell {
		if incumbent := r.findRunningBySessionLocked(opts.Mode, opts.ResumeSessionID); incumbent != nil {
			r.mu.Unlock()
			return incumbent, nil
		}
	}

	if r.runningCountLocked()+r.launching >= r.limits.MaxTerminals {
		r.mu.Unlock()
		return nil, ErrMaxTerminals
	}
	r.launching++
	r.mu.Unlock()

	cols, rows := clampSize(opts.Cols, opts.Rows)
	cwd := r.resolveCwd(opts.Cwd)

	spec := r.resolver.Resolve(r.host, spawn.Request{
		Mode:            opts.Mode,
		Shell:           opts.Shell,
		Cwd:             cwd,
		ResumeSessionID: opts.ResumeSessionID,
		PermissionMode:  opts.PermissionMode,
		EnvContext:      opts.EnvContext,
	})

	proc, err := r.launch(spec, cols, rows)
	if err != nil {
		r.mu.Lock()
		r.launching--
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn terminal: %w", err)
	}

	now := time.Now()
	t := &Terminal{
		id:             uuid.New().String(),
		title:          titleFor(opts),
		mode:           opts.Mode,
		cwd:            cwd,
		cols:           cols,
		rows:           rows,
		envContext:     opts.EnvContext,
		createdAt:      now,
		lastActivityAt: now,
		status:         StatusRunning,
		clients:        make(map[string]Client),
		pending:        make(map[string]*pendingQueue),
		buffer:         NewChunkBuffer(r.scrollbackChars),
		proc:           proc,
		counters:       &perf.Counters{},
		exited:         make(chan struct{}),
	}
	if opts.Mode != spawn.ModeShell && opts.ResumeSessionID != "" && r.sessionIDAllowed(opts.Mode, opts.ResumeSessionID) {
		t.resumeSessionID = opts.ResumeSessionID
	}

	r.mu.Lock()
	r.launching--
	// A create for the same provider session may have won the race while
	// this one was spawning; the incumbent keeps the session and the
	// duplicate subprocess is discarded.
	if t.resumeSessionID != "" {
		if incumbent := r.findRunningBySessionLocked(t.mode, t.resumeSessionID); incumbent != nil {
			r.mu.Unlock()
			if err := proc.ForceKill(); err != nil {
				r.log.Debug("kill of duplicate session spawn failed", zap.Error(err))
			}
			_ = proc.Close()
			return incumbent, nil
		}
	}
	r.terminals[t.id] = t
	r.mu.Unlock()

	go r.readOutput(t)
	go r.waitForExit(t)

	r.log.Info("terminal created",
		zap.String("terminal_id", t.id),
		zap.String("mode", string(t.mode)),
		zap.String("cwd", cwd))
	r.publish(bus.SubjectTerminalCreated, map[string]any{
		"terminalId": t.id,
		"mode":       string(t.mode),
	})
	r.publish(bus.SubjectTerminalListUpdated, map[string]any{"terminalId": t.id})
	return t, nil
}

// Attach adds a client to the terminal's live fan-out set. Returns nil
// when the id does not resolve.
func (r *Registry) Attach(id string, client Client) *Terminal {
	t := r.Get(id)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	t.clients[client.ID()] = client
	t.warnedIdle = false
	t.mu.Unlock()
	return t
}

// AttachWithSnapshot adds the client and captures the scrollback snapshot
// atomically with the creation of its pending queue, so output racing the
// attach lands in exactly one of the two. Live output is diverted into the
// queue until FinishAttachSnapshot runs. Returns nil when the id does not
// resolve.
func (r *Registry) AttachWithSnapshot(id string, client Client) (*Terminal, []byte) {
	t := r.Get(id)
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	t.clients[client.ID()] = client
	t.pending[client.ID()] = &pendingQueue{}
	t.warnedIdle = false
	snapshot := t.buffer.Snapshot()
	t.mu.Unlock()
	return t, snapshot
}

// FinishAttachSnapshot flushes the client's pending queue in arrival order
// and removes it. The flush runs under the terminal lock so live output
// cannot overtake the queued chunks; sends are non-blocking enqueues.
func (r *Registry) FinishAttachSnapshot(id string, client Client) {
	t := r.Get(id)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.pending[client.ID()]
	delete(t.pending, client.ID())
	if q == nil {
		return
	}
	for _, chunk := range q.chunks {
		if !r.SafeSend(client, protocol.TerminalOutput{
			Type:       protocol.TypeTerminalOutput,
			TerminalID: id,
			Data:       string(chunk),
		}, t.counters) {
			return
		}
	}
}

// Detach removes the client from the terminal's fan-out set and pending
// queue. Returns false when the id does not resolve.
func (r *Registry) Detach(id string, client Client) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	delete(t.clients, client.ID())
	delete(t.pending, client.ID())
	t.mu.Unlock()
	return true
}

// Input writes client data to the PTY. Returns false when the terminal is
// missing or exited.
func (r *Registry) Input(id string, data []byte) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	t.lastActivityAt = time.Now()
	t.warnedIdle = false
	proc := t.proc
	t.mu.Unlock()

	t.counters.RecordInput(len(data))
	if _, err := proc.Write(data); err != nil {
		r.log.Warn("pty write failed",
			zap.String("terminal_id", id),
			zap.Error(err))
	}
	return true
}

// Resize updates the terminal dimensions. The PTY resize is best-effort.
func (r *Registry) Resize(id string, cols, rows uint16) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	t.cols, t.rows = cols, rows
	proc := t.proc
	running := t.status == StatusRunning
	t.mu.Unlock()

	if running {
		if err := proc.Resize(cols, rows); err != nil {
			r.log.Debug("pty resize failed",
				zap.String("terminal_id", id),
				zap.Error(err))
		}
	}
	return true
}

// Kill stops the terminal. Killing an exited terminal is a no-op success.
func (r *Registry) Kill(id string) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.status == StatusExited {
		t.mu.Unlock()
		return true
	}
	proc := t.proc
	t.mu.Unlock()

	if err := proc.ForceKill(); err != nil {
		r.log.Warn("pty kill failed",
			zap.String("terminal_id", id),
			zap.Error(err))
	}
	_ = proc.Close()

	// The exit handler normally runs from the wait goroutine; calling
	// it here keeps kill authoritative even when wait is delayed.
	r.handleExit(t, 0, "")
	return true
}

// Remove kills the terminal and deletes its record.
func (r *Registry) Remove(id string) bool {
	if !r.Kill(id) {
		return false
	}
	r.mu.Lock()
	delete(r.terminals, id)
	r.mu.Unlock()
	r.publish(bus.SubjectTerminalListUpdated, map[string]any{"terminalId": id})
	return true
}

// Get returns the terminal record, or nil.
func (r *Registry) Get(id string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminals[id]
}

// List returns lightweight descriptors for all terminals, newest first.
func (r *Registry) List() []protocol.TerminalDescriptor {
	r.mu.Lock()
	git := r.git
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.mu.Unlock()

	out := make([]protocol.TerminalDescriptor, 0, len(terms))
	for _, t := range terms {
		t.mu.Lock()
		d := protocol.TerminalDescriptor{
			ID:              t.id,
			Title:           t.title,
			Mode:            string(t.mode),
			Cwd:             t.cwd,
			Status:          string(t.status),
			CreatedAt:       t.createdAt.UnixMilli(),
			LastActivityAt:  t.lastActivityAt.UnixMilli(),
			ResumeSessionID: t.resumeSessionID,
		}
		if t.status == StatusExited {
			code := t.exitCode
			d.ExitCode = &code
		}
		t.mu.Unlock()
		if git != nil && d.Cwd != "" {
			if branch, ok := git.Branch(d.Cwd); ok {
				d.GitBranch = branch
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// SetSettings updates derived caches and pushes them into existing records.
func (r *Registry) SetSettings(scrollbackLines int) {
	chars := int64(scrollbackLines) * 200
	if chars < 64*1024 {
		chars = 64 * 1024
	}
	if chars > 2*1024*1024 {
		chars = 2 * 1024 * 1024
	}

	r.mu.Lock()
	r.scrollbackChars = int(chars)
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.mu.Unlock()

	for _, t := range terms {
		t.buffer.SetMaxChars(int(chars))
	}
}

// SafeSend is the backpressure-aware send: a client whose socket buffer
// exceeds the cap is closed with 4008 instead of queueing further.
func (r *Registry) SafeSend(client Client, msg any, counters *perf.Counters) bool {
	if client.BufferedAmount() > r.limits.MaxWSBufferedAmount {
		if counters != nil {
			counters.RecordDrop()
		}
		client.CloseWithCode(protocol.CloseBackpressure, "Backpressure")
		return false
	}
	if err := client.Send(msg); err != nil {
		r.log.Debug("send failed", zap.String("client_id", client.ID()), zap.Error(err))
	}
	return true
}

// DetachAll removes the client from every terminal it touched. The caller
// supplies the attached id set it tracked, keeping teardown O(attached).
func (r *Registry) DetachAll(ids []string, client Client) {
	for _, id := range ids {
		r.Detach(id, client)
	}
}

// FindTerminalsBySession returns all terminals bound to the provider
// session.
func (r *Registry) FindTerminalsBySession(mode spawn.Mode, sessionID string) []*Terminal {
	if sessionID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Terminal
	for _, t := range r.terminals {
		t.mu.Lock()
		match := t.mode == mode && t.resumeSessionID == sessionID
		t.mu.Unlock()
		if match {
			out = append(out, t)
		}
	}
	return out
}

// FindRunningTerminalBySession returns the running terminal bound to the
// provider session, or nil.
func (r *Registry) FindRunningTerminalBySession(mode spawn.Mode, sessionID string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findRunningBySessionLocked(mode, sessionID)
}

func (r *Registry) findRunningBySessionLocked(mode spawn.Mode, sessionID string) *Terminal {
	if sessionID == "" {
		return nil
	}
	for _, t := range r.terminals {
		t.mu.Lock()
		match := t.mode == mode && t.resumeSessionID == sessionID && t.status == StatusRunning
		t.mu.Unlock()
		if match {
			return t
		}
	}
	return nil
}

// FindUnassociatedTerminals returns running terminals of the mode in the
// given working directory that have no session bound yet.
func (r *Registry) FindUnassociatedTerminals(mode spawn.Mode, cwd string) []*Terminal {
	want := normalizeCwd(cwd)
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Terminal
	for _, t := range r.terminals {
		t.mu.Lock()
		match := t.mode == mode && t.status == StatusRunning &&
			t.resumeSessionID == "" && normalizeCwd(t.cwd) == want
		t.mu.Unlock()
		if match {
			out = append(out, t)
		}
	}
	return out
}

// SetResumeSessionID binds a provider session id to a terminal. For modes
// that require UUID session ids, non-UUIDs are rejected and state is
// unchanged.
func (r *Registry) SetResumeSessionID(id, sessionID string) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}
	if !r.sessionIDAllowed(t.mode, sessionID) {
		return false
	}

	t.mu.Lock()
	t.resumeSessionID = sessionID
	t.mu.Unlock()
	return true
}

func (r *Registry) sessionIDAllowed(mode spawn.Mode, sessionID string) bool {
	if !spawn.RequiresUUIDSession(mode) {
		return true
	}
	_, err := uuid.Parse(sessionID)
	return err == nil
}

// runningCountLocked counts Running records. Caller must hold r.mu.
func (r *Registry) runningCountLocked() int {
	n := 0
	for _, t := range r.terminals {
		t.mu.Lock()
		if t.status == StatusRunning {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// reapExitedLocked evicts exited records beyond the cap, oldest first by
// exit time (falling back to last activity). Caller must hold r.mu.
func (r *Registry) reapExitedLocked() {
	var exited []*Terminal
	for _, t := range r.terminals {
		t.mu.Lock()
		if t.status == StatusExited {
			exited = append(exited, t)
		}
		t.mu.Unlock()
	}
	overflow := len(exited) - r.limits.MaxExitedTerminals
	if overflow <= 0 {
		return
	}

	sort.Slice(exited, func(i, j int) bool {
		return reapTimestamp(exited[i]).Before(reapTimestamp(exited[j]))
	})
	for _, t := range exited[:overflow] {
		delete(r.terminals, t.id)
		r.log.Debug("reaped exited terminal", zap.String("terminal_id", t.id))
	}
}

func reapTimestamp(t *Terminal) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.exitedAt.IsZero() {
		return t.exitedAt
	}
	return t.lastActivityAt
}

// resolveCwd picks the effective working directory: caller's cwd when
// reachable, else the validated settings default, else home on Unix, else
// empty (launcher default).
func (r *Registry) resolveCwd(requested string) string {
	if requested != "" && dirReachable(requested) {
		return requested
	}
	if def := r.termCfg.DefaultCwd; def != "" && dirReachable(def) {
		return def
	}
	if runtime.GOOS != "windows" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	return ""
}

// dirReachable reports whether the path exists and is a directory. Paths
// on the other side of a WSL boundary cannot be statted and pass through.
func dirReachable(path string) bool {
	if runtime.GOOS == "windows" && strings.HasPrefix(path, "/") {
		return true
	}
	if runtime.GOOS != "windows" && len(path) >= 2 && path[1] == ':' {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// normalizeCwd canonicalizes a working directory for comparisons:
// backslashes become slashes, trailing slashes are stripped, and Windows
// comparisons are case-insensitive.
func normalizeCwd(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

func clampSize(cols, rows int) (uint16, uint16) {
	if cols < protocol.MinCols || cols > protocol.MaxCols {
		cols = 80
	}
	if rows < protocol.MinRows || rows > protocol.MaxRows {
		rows = 24
	}
	return uint16(cols), uint16(rows)
}

func titleFor(opts CreateOptions) string {
	if opts.Title != "" {
		return opts.Title
	}
	return string(opts.Mode)
}

// publish emits a fire-and-forget registry event.
func (r *Registry) publish(subject string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "registry", data)); err != nil {
		r.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

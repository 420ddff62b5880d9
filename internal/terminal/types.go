// Package terminal owns PTY subprocess lifecycles: spawning, output
// fan-out to attached clients, scrollback buffering, idle eviction, and
// reaping of exited records.
package terminal

import (
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/gfbonny/freshell/internal/perf"
	"github.com/gfbonny/freshell/internal/spawn"
)

// Status is the terminal lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

var (
	// ErrMaxTerminals is returned by Create when the running-terminal
	// cap is reached.
	ErrMaxTerminals = errors.New("maximum number of terminals reached")
	// ErrNotFound is returned when a terminal id does not resolve.
	ErrNotFound = errors.New("terminal not found")
)

// Client is a connection handle the registry fans output out to. The
// session handler implements it; Send must enqueue without blocking and
// BufferedAmount must reflect bytes not yet flushed to the socket.
type Client interface {
	ID() string
	Send(msg any) error
	BufferedAmount() int64
	CloseWithCode(code int, reason string)
}

// GitResolver looks up the checked-out branch for a working directory.
// Implementations live outside the core; list decoration skips terminals
// the resolver cannot answer for.
type GitResolver interface {
	Branch(cwd string) (string, bool)
}

// process is a launched PTY subprocess. The indirection lets tests drive
// lifecycle transitions without real processes.
type process interface {
	PtyHandle
	// Wait blocks until the subprocess exits.
	Wait() (exitCode int, signalName string, err error)
	// Terminate requests a graceful stop (SIGTERM on Unix, kill on
	// Windows).
	Terminate() error
	// ForceKill stops the subprocess immediately.
	ForceKill() error
}

// launchFunc starts a subprocess for a resolved spawn spec.
type launchFunc func(spec spawn.Spec, cols, rows uint16) (process, error)

// osProcess is the production process implementation.
type osProcess struct {
	PtyHandle
	cmd *exec.Cmd
}

func (p *osProcess) Wait() (int, string, error) {
	return waitPtyProcess(p.cmd, p.PtyHandle)
}

func (p *osProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return terminateProcess(p.cmd.Process)
}

func (p *osProcess) ForceKill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcess(p.cmd.Process)
}

func defaultLaunch(spec spawn.Spec, cols, rows uint16) (process, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, err
	}
	return &osProcess{PtyHandle: handle, cmd: cmd}, nil
}

// pendingQueue holds output diverted during a snapshot delivery window.
type pendingQueue struct {
	chunks      [][]byte
	queuedChars int
}

// Terminal is one running or recently exited PTY subprocess. All mutation
// goes through Registry methods.
type Terminal struct {
	mu sync.Mutex

	id              string
	title           string
	mode            spawn.Mode
	cwd             string
	cols, rows      uint16
	resumeSessionID string
	envContext      spawn.EnvContext

	createdAt      time.Time
	lastActivityAt time.Time
	exitedAt       time.Time
	status         Status
	exitCode       int
	hasExitCode    bool
	warnedIdle     bool

	clients map[string]Client
	pending map[string]*pendingQueue
	buffer  *ChunkBuffer

	proc     process
	counters *perf.Counters

	// exited closes when the exit handler runs. It exists from launch
	// so shutdown can watch it before signaling.
	exited chan struct{}
}

// ID returns the terminal id.
func (t *Terminal) ID() string { return t.id }

// Mode returns the terminal mode.
func (t *Terminal) Mode() spawn.Mode { return t.mode }

// Status returns the lifecycle state.
func (t *Terminal) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitCode returns the exit code; valid once Status is Exited.
func (t *Terminal) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// ResumeSessionID returns the provider session id bound to this terminal.
func (t *Terminal) ResumeSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeSessionID
}

// Snapshot returns the current scrollback contents.
func (t *Terminal) Snapshot() []byte {
	return t.buffer.Snapshot()
}

// CreateOptions is the logical terminal request handed to Create.
type CreateOptions struct {
	Mode            spawn.Mode
	Shell           spawn.Shell
	Cwd             string
	Cols            int
	Rows            int
	Title           string
	ResumeSessionID string
	PermissionMode  string
	EnvContext      spawn.EnvContext
}

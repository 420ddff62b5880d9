// Package spawn resolves a logical terminal request (mode, shell, cwd,
// resume session id) into the concrete executable, argument vector, working
// directory, and environment used to launch the PTY subprocess. It
// encapsulates all platform variance (native Windows, WSL, Linux, macOS) so
// higher layers never branch on OS.
package spawn

import (
	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
)

// Mode selects what runs inside the terminal: a plain shell or one of the
// known coding-assistant CLIs.
type Mode string

const (
	ModeShell    Mode = "shell"
	ModeClaude   Mode = "claude"
	ModeCodex    Mode = "codex"
	ModeOpenCode Mode = "opencode"
	ModeGemini   Mode = "gemini"
	ModeKimi     Mode = "kimi"
)

// Valid reports whether m is a member of the closed mode set.
func (m Mode) Valid() bool {
	switch m {
	case ModeShell, ModeClaude, ModeCodex, ModeOpenCode, ModeGemini, ModeKimi:
		return true
	}
	return false
}

// Shell is the requested shell family for the terminal.
type Shell string

const (
	ShellSystem     Shell = "system"
	ShellCmd        Shell = "cmd"
	ShellPowershell Shell = "powershell"
	ShellWSL        Shell = "wsl"
)

// Valid reports whether s is a member of the closed shell set.
func (s Shell) Valid() bool {
	switch s {
	case ShellSystem, ShellCmd, ShellPowershell, ShellWSL:
		return true
	}
	return false
}

// EnvContext carries optional tab/pane identifiers injected into the child
// environment so in-terminal tooling can address its own pane.
type EnvContext struct {
	TabID  string
	PaneID string
}

// Request is the logical terminal request handed to the resolver.
type Request struct {
	Mode            Mode
	Shell           Shell
	Cwd             string
	ResumeSessionID string
	PermissionMode  string
	EnvContext      EnvContext
}

// Spec is the immutable spawn tuple. Cwd may be empty, meaning the launcher
// decides (used to avoid UNC working directories when spawning Windows
// shells from WSL). The resolver never stats Executable; existence is the
// launcher's problem.
type Spec struct {
	Executable string
	Args       []string
	Cwd        string
	Env        []string
}

// Resolver turns Requests into Specs for a given host.
type Resolver struct {
	cfg config.SpawnConfig
	log *logger.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg config.SpawnConfig, log *logger.Logger) *Resolver {
	return &Resolver{cfg: cfg, log: log}
}

// Resolve produces the spawn tuple for the request on the given host.
// It is deterministic: identical host and request yield an identical tuple.
// Malformed resume session ids are logged and dropped rather than failing
// the spawn.
func (r *Resolver) Resolve(host Host, req Request) Spec {
	env := buildChildEnv(host, req.EnvContext)
	shell := normalizeShell(host, req.Shell)

	resume := r.normalizeResume(req.Mode, req.ResumeSessionID)

	switch {
	case host.isWindows() || (host.IsWSL && (shell == ShellCmd || shell == ShellPowershell)):
		return r.resolveWindows(host, req, shell, resume, env)
	default:
		return r.resolveUnix(host, req, resume, env)
	}
}

// normalizeShell collapses the requested shell to what the host can run.
func normalizeShell(host Host, shell Shell) Shell {
	if !shell.Valid() {
		shell = ShellSystem
	}
	switch {
	case host.isWindows():
		if shell == ShellSystem {
			return ShellCmd
		}
		return shell
	case host.IsWSL:
		// system and wsl both mean the local Linux shell; cmd and
		// powershell punch through to Windows.
		if shell == ShellWSL {
			return ShellSystem
		}
		return shell
	default:
		// Non-WSL Unix has only its own shells.
		return ShellSystem
	}
}

// normalizeResume validates the resume session id per mode. Providers that
// require a UUID reject anything else; providers without resume support
// ignore the id entirely. Both cases log and return empty.
func (r *Resolver) normalizeResume(mode Mode, sessionID string) string {
	if sessionID == "" || mode == ModeShell {
		return ""
	}
	p, ok := providers[mode]
	if !ok {
		return ""
	}
	if p.resumeArgs == nil {
		r.log.Warn("provider does not support resume, ignoring session id",
			zap.String("mode", string(mode)),
			zap.String("session_id", sessionID))
		return ""
	}
	if p.requiresUUIDSession && !isUUID(sessionID) {
		r.log.Warn("resume session id is not a UUID, ignoring",
			zap.String("mode", string(mode)),
			zap.String("session_id", sessionID))
		return ""
	}
	return sessionID
}

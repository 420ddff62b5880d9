package spawn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewResolver(config.SpawnConfig{}, log)
}

func linuxHost(env map[string]string) Host {
	if env == nil {
		env = map[string]string{}
	}
	return Host{OS: "linux", Env: env, MountPrefix: "/mnt"}
}

func TestNormalizeShell(t *testing.T) {
	windows := Host{OS: "windows"}
	wsl := Host{OS: "linux", IsWSL: true}
	linux := Host{OS: "linux"}
	darwin := Host{OS: "darwin"}

	assert.Equal(t, ShellCmd, normalizeShell(windows, ShellSystem))
	assert.Equal(t, ShellPowershell, normalizeShell(windows, ShellPowershell))
	assert.Equal(t, ShellWSL, normalizeShell(windows, ShellWSL))

	assert.Equal(t, ShellSystem, normalizeShell(wsl, ShellSystem))
	assert.Equal(t, ShellSystem, normalizeShell(wsl, ShellWSL))
	assert.Equal(t, ShellCmd, normalizeShell(wsl, ShellCmd))
	assert.Equal(t, ShellPowershell, normalizeShell(wsl, ShellPowershell))

	for _, sh := range []Shell{ShellSystem, ShellCmd, ShellPowershell, ShellWSL} {
		assert.Equal(t, ShellSystem, normalizeShell(linux, sh))
		assert.Equal(t, ShellSystem, normalizeShell(darwin, sh))
	}
}

func TestResolveUnixShellMode(t *testing.T) {
	r := newTestResolver(t)
	spec := r.Resolve(linuxHost(map[string]string{"SHELL": "/bin/sh"}), Request{
		Mode:  ModeShell,
		Shell: ShellSystem,
		Cwd:   "/home/me",
	})

	assert.Equal(t, "/bin/sh", spec.Executable)
	assert.Equal(t, []string{"-l"}, spec.Args)
	assert.Equal(t, "/home/me", spec.Cwd)
}

func TestResolveProviderMode(t *testing.T) {
	r := newTestResolver(t)
	spec := r.Resolve(linuxHost(nil), Request{Mode: ModeCodex, Shell: ShellSystem, Cwd: "/work"})

	assert.Equal(t, "codex", spec.Executable)
	assert.Empty(t, spec.Args)
	assert.Equal(t, "/work", spec.Cwd)
}

func TestProviderExecutableOverride(t *testing.T) {
	r := newTestResolver(t)
	host := linuxHost(map[string]string{"CODEX_CMD": "/opt/bin/codex-nightly"})

	spec := r.Resolve(host, Request{Mode: ModeCodex, Shell: ShellSystem})
	assert.Equal(t, "/opt/bin/codex-nightly", spec.Executable)
}

func TestClaudeResumeRequiresUUID(t *testing.T) {
	r := newTestResolver(t)
	const valid = "550e8400-e29b-41d4-a716-446655440000"

	spec := r.Resolve(linuxHost(nil), Request{Mode: ModeClaude, Shell: ShellSystem, ResumeSessionID: valid})
	idx := indexOf(spec.Args, "--resume")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, valid, spec.Args[idx+1])

	spec = r.Resolve(linuxHost(nil), Request{Mode: ModeClaude, Shell: ShellSystem, ResumeSessionID: "not-a-uuid"})
	assert.Equal(t, -1, indexOf(spec.Args, "--resume"), "non-UUID resume must be dropped")
}

func TestCodexResumeIsPositional(t *testing.T) {
	r := newTestResolver(t)
	spec := r.Resolve(linuxHost(nil), Request{Mode: ModeCodex, Shell: ShellSystem, ResumeSessionID: "session-42"})

	assert.Equal(t, []string{"resume", "session-42"}, spec.Args)
}

func TestResumeIgnoredForProvidersWithoutSupport(t *testing.T) {
	r := newTestResolver(t)
	for _, mode := range []Mode{ModeOpenCode, ModeGemini, ModeKimi} {
		spec := r.Resolve(linuxHost(nil), Request{Mode: mode, Shell: ShellSystem, ResumeSessionID: "anything"})
		assert.Empty(t, spec.Args, "mode %s must ignore resume", mode)
	}
}

func TestClaudePermissionModeFlag(t *testing.T) {
	r := newTestResolver(t)

	spec := r.Resolve(linuxHost(nil), Request{Mode: ModeClaude, Shell: ShellSystem, PermissionMode: "plan"})
	idx := indexOf(spec.Args, "--permission-mode")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "plan", spec.Args[idx+1])

	spec = r.Resolve(linuxHost(nil), Request{Mode: ModeClaude, Shell: ShellSystem, PermissionMode: "default"})
	assert.Equal(t, -1, indexOf(spec.Args, "--permission-mode"))
}

func TestClaudeBellStopHook(t *testing.T) {
	r := newTestResolver(t)

	spec := r.Resolve(linuxHost(nil), Request{Mode: ModeClaude, Shell: ShellSystem})
	idx := indexOf(spec.Args, "--settings")
	require.GreaterOrEqual(t, idx, 0)
	assert.Contains(t, spec.Args[idx+1], `printf '\a' > /dev/tty`)
}

func TestChildEnv(t *testing.T) {
	host := linuxHost(map[string]string{
		"AUTH_TOKEN":      "secret",
		"PORT":            "3001",
		"VITE_PORT":       "5173",
		"ALLOWED_ORIGINS": "http://localhost",
		"HOME":            "/home/me",
		"TERM":            "screen",
	})
	env := buildChildEnv(host, EnvContext{TabID: "tab-1", PaneID: "pane-2"})

	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "AUTH_TOKEN=")
	assert.NotContains(t, joined, "PORT=")
	assert.NotContains(t, joined, "VITE_PORT=")
	assert.NotContains(t, joined, "ALLOWED_ORIGINS=")

	assert.Contains(t, env, "HOME=/home/me")
	assert.Contains(t, env, "TERM=screen", "existing TERM is preserved")
	assert.Contains(t, env, "COLORTERM=truecolor")
	assert.Contains(t, env, "FRESHELL_TAB_ID=tab-1")
	assert.Contains(t, env, "FRESHELL_PANE_ID=pane-2")
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newTestResolver(t)
	host := linuxHost(map[string]string{"HOME": "/home/me", "SHELL": "/bin/sh"})
	req := Request{Mode: ModeShell, Shell: ShellSystem, Cwd: "/home/me"}

	a := r.Resolve(host, req)
	b := r.Resolve(host, req)
	assert.Equal(t, a, b)
}

func TestModeAndShellValidation(t *testing.T) {
	assert.True(t, ModeShell.Valid())
	assert.True(t, ModeClaude.Valid())
	assert.False(t, Mode("bash").Valid())

	assert.True(t, ShellSystem.Valid())
	assert.False(t, Shell("fish").Valid())
}

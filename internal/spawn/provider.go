package spawn

import (
	"encoding/json"

	"github.com/google/uuid"
)

// provider describes one coding-assistant CLI: how to find its executable,
// how to ask it to resume a session, and whether session ids must be UUIDs.
// The table is closed; new providers extend it.
type provider struct {
	label               string
	envVar              string // executable override, e.g. CLAUDE_CMD
	defaultExe          string
	resumeArgs          func(sessionID string) []string // nil means resume unsupported
	requiresUUIDSession bool
	permissionFlag      string // appended with the requested permission mode
	bellStopHook        bool   // inject a bell-on-turn-complete stop hook
}

var providers = map[Mode]provider{
	ModeClaude: {
		label:      "Claude",
		envVar:     "CLAUDE_CMD",
		defaultExe: "claude",
		resumeArgs: func(id string) []string {
			return []string{"--resume", id}
		},
		requiresUUIDSession: true,
		permissionFlag:      "--permission-mode",
		bellStopHook:        true,
	},
	ModeCodex: {
		label:      "Codex",
		envVar:     "CODEX_CMD",
		defaultExe: "codex",
		resumeArgs: func(id string) []string {
			return []string{"resume", id}
		},
	},
	ModeOpenCode: {
		label:      "OpenCode",
		envVar:     "OPENCODE_CMD",
		defaultExe: "opencode",
	},
	ModeGemini: {
		label:      "Gemini",
		envVar:     "GEMINI_CMD",
		defaultExe: "gemini",
	},
	ModeKimi: {
		label:      "Kimi",
		envVar:     "KIMI_CMD",
		defaultExe: "kimi",
	},
}

// RequiresUUIDSession reports whether the mode validates resume session ids
// as UUIDs.
func RequiresUUIDSession(mode Mode) bool {
	return providers[mode].requiresUUIDSession
}

// providerCommand returns the executable and argument vector for a provider
// mode on the given host. windowsBell selects the Windows form of the bell
// stop hook.
func providerCommand(host Host, mode Mode, resume, permissionMode string, windowsBell bool) (string, []string) {
	p := providers[mode]

	exe := p.defaultExe
	if override := host.Env[p.envVar]; override != "" {
		exe = override
	}

	var args []string
	if resume != "" && p.resumeArgs != nil {
		args = append(args, p.resumeArgs(resume)...)
	}
	if permissionMode != "" && permissionMode != "default" && p.permissionFlag != "" {
		args = append(args, p.permissionFlag, permissionMode)
	}
	if p.bellStopHook {
		args = append(args, "--settings", bellStopHookSettings(windowsBell))
	}
	return exe, args
}

// bellStopHookSettings builds the provider settings JSON that rings the
// terminal bell when an assistant turn completes.
func bellStopHookSettings(windows bool) string {
	command := `printf '\a' > /dev/tty`
	if windows {
		command = `powershell -NoProfile -Command [console]::Write("` + "`a" + `")`
	}
	settings := map[string]any{
		"hooks": map[string]any{
			"Stop": []map[string]any{
				{
					"hooks": []map[string]any{
						{"type": "command", "command": command},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(settings)
	return string(b)
}

// isUUID reports whether s parses as a canonical UUID.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

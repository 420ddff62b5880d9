package spawn

import "sort"

// serverOnlyVars never reach child PTYs. Leaking the auth token into a
// shell a remote client controls would defeat the handshake.
var serverOnlyVars = map[string]bool{
	"AUTH_TOKEN":      true,
	"PORT":            true,
	"VITE_PORT":       true,
	"ALLOWED_ORIGINS": true,
}

// buildChildEnv derives the child environment from the host environment:
// terminal identity vars are set if unset, server-only vars are stripped,
// and the optional tab/pane context is injected. The result is sorted so
// the tuple is deterministic.
func buildChildEnv(host Host, ctx EnvContext) []string {
	env := make(map[string]string, len(host.Env)+4)
	for k, v := range host.Env {
		if serverOnlyVars[k] {
			continue
		}
		env[k] = v
	}

	if env["TERM"] == "" {
		env["TERM"] = "xterm-256color"
	}
	if env["COLORTERM"] == "" {
		env["COLORTERM"] = "truecolor"
	}

	if ctx.TabID != "" {
		env["FRESHELL_TAB_ID"] = ctx.TabID
	}
	if ctx.PaneID != "" {
		env["FRESHELL_PANE_ID"] = ctx.PaneID
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

package spawn

import (
	"os"
	"runtime"
	"strings"
)

// Host describes the machine the resolver targets. It is passed as a value
// so platform behavior stays a pure function of its inputs and every branch
// is testable from any build platform.
type Host struct {
	// OS is the runtime GOOS the server runs on.
	OS string
	// IsWSL reports whether the server runs inside Windows Subsystem
	// for Linux.
	IsWSL bool
	// Env is the server process environment.
	Env map[string]string
	// MountPrefix is where WSL mounts Windows drives, normally /mnt.
	MountPrefix string
}

// DetectHost builds a Host from the running process environment.
func DetectHost() Host {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return Host{
		OS:          runtime.GOOS,
		IsWSL:       env["WSL_DISTRO_NAME"] != "" || env["WSL_INTEROP"] != "",
		Env:         env,
		MountPrefix: detectMountPrefix(env),
	}
}

// detectMountPrefix derives the WSL drive-mount prefix from the Windows
// system32 path when exposed, falling back to /mnt.
func detectMountPrefix(env map[string]string) string {
	sys32 := env["WSL_WINDOWS_SYS32"]
	if sys32 == "" {
		return "/mnt"
	}
	// e.g. /mnt/c/Windows/System32 -> /mnt
	p := strings.TrimSuffix(sys32, "/")
	lower := strings.ToLower(p)
	if i := strings.Index(lower, "/windows/system32"); i > 0 {
		drivePath := p[:i] // /mnt/c
		if j := strings.LastIndexByte(drivePath, '/'); j > 0 {
			return drivePath[:j]
		}
	}
	return "/mnt"
}

// windowsSys32 returns the Unix path of the Windows System32 directory as
// seen from WSL.
func (h Host) windowsSys32() string {
	if sys32 := h.Env["WSL_WINDOWS_SYS32"]; sys32 != "" {
		return strings.TrimSuffix(sys32, "/")
	}
	return h.MountPrefix + "/c/Windows/System32"
}

// isWindows reports whether the host is native Windows.
func (h Host) isWindows() bool {
	return h.OS == "windows"
}

// isDarwin reports whether the host is macOS.
func (h Host) isDarwin() bool {
	return h.OS == "darwin"
}

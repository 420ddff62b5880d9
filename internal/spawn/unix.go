package spawn

import "os"

// resolveUnix builds the spawn tuple for Linux, macOS, and the Linux side
// of WSL.
func (r *Resolver) resolveUnix(host Host, req Request, resume string, env []string) Spec {
	if req.Mode == ModeShell {
		return Spec{
			Executable: resolveUnixShell(host),
			Args:       []string{"-l"},
			Cwd:        req.Cwd,
			Env:        env,
		}
	}
	exe, args := providerCommand(host, req.Mode, resume, req.PermissionMode, false)
	return Spec{Executable: exe, Args: args, Cwd: req.Cwd, Env: env}
}

// resolveUnixShell picks the user's shell: $SHELL when it exists on disk,
// else the platform default, else /bin/sh.
func resolveUnixShell(host Host) string {
	if sh := host.Env["SHELL"]; sh != "" && fileExists(sh) {
		return sh
	}
	def := "/bin/bash"
	if host.isDarwin() {
		def = "/bin/zsh"
	}
	if fileExists(def) {
		return def
	}
	return "/bin/sh"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

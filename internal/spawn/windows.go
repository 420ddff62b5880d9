package spawn

import "strings"

// resolveWindows builds the spawn tuple when the target shell is a Windows
// one: native Windows hosts, or WSL hosts punching through to cmd.exe or
// powershell.exe via interop.
func (r *Resolver) resolveWindows(host Host, req Request, shell Shell, resume string, env []string) Spec {
	if host.isWindows() {
		// A Unix-style cwd on native Windows can only mean a WSL
		// filesystem path, so the terminal must run inside WSL.
		if shell == ShellWSL || isUnixStylePath(req.Cwd) {
			return r.resolveWSLLauncher(host, req, resume, env)
		}
		if shell == ShellPowershell {
			return r.resolveNativePowershell(host, req, resume, env)
		}
		return r.resolveNativeCmd(host, req, resume, env)
	}

	// WSL host targeting a Windows shell through interop.
	if shell == ShellPowershell {
		return r.resolveInteropPowershell(host, req, resume, env)
	}
	return r.resolveInteropCmd(host, req, resume, env)
}

// resolveWSLLauncher spawns wsl.exe from native Windows, optionally pinning
// a distro and starting directory.
func (r *Resolver) resolveWSLLauncher(host Host, req Request, resume string, env []string) Spec {
	exe := r.cfg.WSLExe
	if exe == "" {
		exe = "wsl.exe"
	}

	var args []string
	if r.cfg.WSLDistro != "" {
		args = append(args, "-d", r.cfg.WSLDistro)
	}
	if cwd := toUnixPath(req.Cwd, host.MountPrefix); cwd != "" {
		args = append(args, "--cd", cwd)
	}

	if req.Mode == ModeShell {
		args = append(args, "--", "bash", "-l")
	} else {
		pexe, pargs := providerCommand(host, req.Mode, resume, req.PermissionMode, false)
		args = append(args, "--")
		args = append(args, pexe)
		args = append(args, pargs...)
	}

	// wsl.exe handles the working directory via --cd.
	return Spec{Executable: exe, Args: args, Env: env}
}

func (r *Resolver) resolveNativeCmd(host Host, req Request, resume string, env []string) Spec {
	exe := r.cfg.WindowsShell
	if exe == "" {
		exe = host.Env["WINDOWS_SHELL"]
	}
	if exe == "" {
		exe = "cmd.exe"
	}

	if req.Mode == ModeShell {
		return Spec{Executable: exe, Cwd: req.Cwd, Env: env}
	}
	pexe, pargs := providerCommand(host, req.Mode, resume, req.PermissionMode, true)
	return Spec{
		Executable: exe,
		Args:       []string{"/k", buildCmdCommandLine(pexe, pargs)},
		Cwd:        req.Cwd,
		Env:        env,
	}
}

func (r *Resolver) resolveNativePowershell(host Host, req Request, resume string, env []string) Spec {
	exe := r.cfg.PowershellExe
	if exe == "" {
		exe = host.Env["POWERSHELL_EXE"]
	}
	if exe == "" {
		exe = "powershell.exe"
	}

	if req.Mode == ModeShell {
		return Spec{Executable: exe, Cwd: req.Cwd, Env: env}
	}
	pexe, pargs := providerCommand(host, req.Mode, resume, req.PermissionMode, true)
	return Spec{
		Executable: exe,
		Args:       []string{"-NoExit", "-Command", buildPowershellCommand(pexe, pargs)},
		Cwd:        req.Cwd,
		Env:        env,
	}
}

// resolveInteropCmd spawns cmd.exe from inside WSL. The working directory
// is left unset to keep the launcher off UNC paths; instead a `cd /d` is
// prepended inside the command string.
func (r *Resolver) resolveInteropCmd(host Host, req Request, resume string, env []string) Spec {
	exe := host.windowsSys32() + "/cmd.exe"

	command := ""
	if winCwd, ok := toWindowsPath(req.Cwd, host.MountPrefix); ok {
		command = `cd /d "` + winCwd + `"`
	}
	if req.Mode != ModeShell {
		pexe, pargs := providerCommand(host, req.Mode, resume, req.PermissionMode, true)
		line := buildCmdCommandLine(pexe, pargs)
		if command != "" {
			command += " && " + line
		} else {
			command = line
		}
	}

	args := []string{"/k"}
	if command != "" {
		args = append(args, command)
	}
	return Spec{Executable: exe, Args: args, Env: env}
}

// resolveInteropPowershell spawns powershell.exe from inside WSL, changing
// directory via Set-Location for the same UNC reason as cmd.exe.
func (r *Resolver) resolveInteropPowershell(host Host, req Request, resume string, env []string) Spec {
	exe := host.windowsSys32() + "/WindowsPowerShell/v1.0/powershell.exe"

	command := ""
	if winCwd, ok := toWindowsPath(req.Cwd, host.MountPrefix); ok {
		command = "Set-Location -LiteralPath " + quotePowershell(winCwd)
	}
	if req.Mode != ModeShell {
		pexe, pargs := providerCommand(host, req.Mode, resume, req.PermissionMode, true)
		line := "& " + buildPowershellCommand(pexe, pargs)
		if command != "" {
			command += "; " + line
		} else {
			command = line
		}
	}

	args := []string{"-NoExit"}
	if command != "" {
		args = append(args, "-Command", command)
	}
	return Spec{Executable: exe, Args: args, Env: env}
}

// escapeCmdExe escapes cmd.exe metacharacters. Substitutions apply in
// order: ^ first so later insertions are not re-escaped.
func escapeCmdExe(s string) string {
	replacements := [][2]string{
		{"^", "^^"},
		{"&", "^&"},
		{"|", "^|"},
		{"<", "^<"},
		{">", "^>"},
		{"%", "%%"},
		{`"`, `\"`},
	}
	for _, rep := range replacements {
		s = strings.ReplaceAll(s, rep[0], rep[1])
	}
	return s
}

// buildCmdCommandLine joins an executable and its arguments into a single
// cmd.exe command string, escaping metacharacters and quoting tokens that
// contain spaces.
func buildCmdCommandLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, tok := range append([]string{exe}, args...) {
		escaped := escapeCmdExe(tok)
		if strings.ContainsAny(escaped, " \t") {
			escaped = `"` + escaped + `"`
		}
		parts = append(parts, escaped)
	}
	return strings.Join(parts, " ")
}

// quotePowershell wraps s in double quotes, escaping embedded backticks,
// quotes, and dollar signs with PowerShell's backtick rule.
func quotePowershell(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '`', '"', '$':
			b.WriteByte('`')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// buildPowershellCommand joins an executable and arguments into a
// PowerShell command string with every token quoted.
func buildPowershellCommand(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, tok := range append([]string{exe}, args...) {
		parts = append(parts, quotePowershell(tok))
	}
	return strings.Join(parts, " ")
}

// isUnixStylePath reports whether p is rooted the Unix way.
func isUnixStylePath(p string) bool {
	return strings.HasPrefix(p, "/")
}

// toUnixPath converts a Windows drive path to its WSL mount equivalent:
// D:\users\x becomes /mnt/d/users/x. Paths that are already Unix-style
// pass through; anything else returns empty.
func toUnixPath(p, mountPrefix string) string {
	if p == "" {
		return ""
	}
	if isUnixStylePath(p) {
		return p
	}
	if len(p) < 2 || p[1] != ':' || !isDriveLetter(p[0]) {
		return ""
	}
	rest := strings.ReplaceAll(p[2:], `\`, "/")
	rest = strings.TrimPrefix(rest, "/")
	out := mountPrefix + "/" + strings.ToLower(string(p[0]))
	if rest != "" {
		out += "/" + rest
	}
	return out
}

// toWindowsPath converts a WSL mount path back to a Windows drive path:
// /mnt/d/users/x becomes D:\users\x. Windows paths pass through. Paths
// outside the mount prefix have no drive equivalent and return false.
func toWindowsPath(p, mountPrefix string) (string, bool) {
	if p == "" {
		return "", false
	}
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		return strings.ReplaceAll(p, "/", `\`), true
	}
	prefix := mountPrefix + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest == "" || !isDriveLetter(rest[0]) {
		return "", false
	}
	drive := strings.ToUpper(string(rest[0]))
	rest = rest[1:]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return drive + ":" + `\` + strings.ReplaceAll(strings.TrimPrefix(rest, "/"), "/", `\`), true
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Package runner implements the environment scrub/rebuild and exec
// step (spec component G): once a rule has permitted a request, strip
// the invoker's environment down to a safe allowlist, then repopulate
// it with the PLEASE_*/SUDO_* markers and the target user's defaults
// before exec'ing the resolved binary.
package runner

import (
	"os"
	"strconv"
)

// keptRegardless is never stripped, matching clean_environment's
// hardcoded passthrough list.
var keptRegardless = map[string]bool{
	"LANGUAGE":  true,
	"XAUTHORITY": true,
	"LANG":      true,
	"LS_COLORS": true,
	"TERM":      true,
	"DISPLAY":   true,
	"LOGNAME":   true,
}

// CleanEnvironment removes every environment variable except the
// hardcoded passthrough set and whatever allowEnv names explicitly.
// When forEdit is true, EDITOR/VISUAL are also kept, and the full
// pre-scrub snapshot is returned so pleaseedit can restore it around
// the editor subprocess.
func CleanEnvironment(allowEnv []string, forEdit bool) map[string]string {
	allow := make(map[string]bool, len(allowEnv))
	for _, e := range allowEnv {
		allow[e] = true
	}

	snapshot := make(map[string]string)
	for _, kv := range os.Environ() {
		key, val, ok := splitEnv(kv)
		if !ok {
			continue
		}
		if forEdit {
			snapshot[key] = val
		}
		if keptRegardless[key] {
			continue
		}
		if allow[key] {
			continue
		}
		if forEdit && (key == "EDITOR" || key == "VISUAL") {
			continue
		}
		os.Unsetenv(key)
	}
	return snapshot
}

func splitEnv(kv string) (key, val string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// setIfNotPassedThrough sets key=value unless it is in the invoker's
// explicit environment allowlist (allowEnv), mirroring
// set_env_if_not_passed_through.
func setIfNotPassedThrough(allowEnv []string, key, value string) {
	for _, e := range allowEnv {
		if e == key {
			return
		}
	}
	os.Setenv(key, value)
}

// TargetIdentity is the subset of the target user's passwd entry the
// runner needs to populate HOME/SHELL/USER/LOGNAME.
type TargetIdentity struct {
	Name    string
	UID     int
	GID     int
	HomeDir string
	Shell   string
}

// SetEnvironment rebuilds PLEASE_*/SUDO_* and the target's default
// environment after CleanEnvironment has scrubbed it, applying any
// env_assign directives from the matched rule last so they always win
// (spec.md §4.G "Environment assignment").
func SetEnvironment(origName string, origUID, origGID int, command string, target TargetIdentity, allowEnv []string, envAssign map[string]string) {
	os.Setenv("PLEASE_USER", origName)
	os.Setenv("PLEASE_UID", strconv.Itoa(origUID))
	os.Setenv("PLEASE_GID", strconv.Itoa(origGID))
	os.Setenv("PLEASE_COMMAND", command)

	os.Setenv("SUDO_USER", origName)
	os.Setenv("SUDO_UID", strconv.Itoa(origUID))
	os.Setenv("SUDO_GID", strconv.Itoa(origGID))
	os.Setenv("SUDO_COMMAND", command)

	setIfNotPassedThrough(allowEnv, "PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	setIfNotPassedThrough(allowEnv, "HOME", target.HomeDir)
	setIfNotPassedThrough(allowEnv, "MAIL", "/var/mail/"+target.Name)
	setIfNotPassedThrough(allowEnv, "SHELL", target.Shell)
	setIfNotPassedThrough(allowEnv, "USER", target.Name)
	setIfNotPassedThrough(allowEnv, "LOGNAME", target.Name)

	for k, v := range envAssign {
		os.Setenv(k, v)
	}
}

// RestoreEnvironment replaces the current environment wholesale with
// snapshot, used by pleaseedit to undo CleanEnvironment before handing
// control back to the invoker.
func RestoreEnvironment(snapshot map[string]string) {
	os.Clearenv()
	for k, v := range snapshot {
		os.Setenv(k, v)
	}
}

// Exec replaces the current process image with resolvedPath argv,
// after the privilege controller has already committed the final
// uid/gid (spec.md §4.G "Final exec"). On success this never returns.
func Exec(resolvedPath string, argv []string) error {
	return syscallExec(resolvedPath, argv, os.Environ())
}

package runner

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnvForTest(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestCleanEnvironmentStripsUnlistedVars(t *testing.T) {
	setEnvForTest(t, "SECRET_TOKEN", "abc123")
	setEnvForTest(t, "TERM", "xterm")

	CleanEnvironment(nil, false)

	_, ok := os.LookupEnv("SECRET_TOKEN")
	assert.False(t, ok)
	assert.Equal(t, "xterm", os.Getenv("TERM"))
}

func TestCleanEnvironmentHonorsAllowlist(t *testing.T) {
	setEnvForTest(t, "MY_APP_CONFIG", "keep-me")

	CleanEnvironment([]string{"MY_APP_CONFIG"}, false)

	assert.Equal(t, "keep-me", os.Getenv("MY_APP_CONFIG"))
}

func TestCleanEnvironmentForEditKeepsEditorVars(t *testing.T) {
	setEnvForTest(t, "EDITOR", "vim")
	setEnvForTest(t, "VISUAL", "vim")
	setEnvForTest(t, "OTHER_VAR", "gone")

	snapshot := CleanEnvironment(nil, true)

	assert.Equal(t, "vim", os.Getenv("EDITOR"))
	assert.Equal(t, "vim", os.Getenv("VISUAL"))
	_, ok := os.LookupEnv("OTHER_VAR")
	assert.False(t, ok)

	assert.Equal(t, "gone", snapshot["OTHER_VAR"])
}

func TestSetEnvironmentPopulatesPleaseAndSudoVars(t *testing.T) {
	target := TargetIdentity{Name: "root", UID: 0, GID: 0, HomeDir: "/root", Shell: "/bin/bash"}
	SetEnvironment("alice", 1000, 1000, "/bin/ls -la", target, nil, nil)

	assert.Equal(t, "alice", os.Getenv("PLEASE_USER"))
	assert.Equal(t, "1000", os.Getenv("PLEASE_UID"))
	assert.Equal(t, "/bin/ls -la", os.Getenv("PLEASE_COMMAND"))
	assert.Equal(t, "alice", os.Getenv("SUDO_USER"))
	assert.Equal(t, "/root", os.Getenv("HOME"))
	assert.Equal(t, "root", os.Getenv("USER"))
}

func TestSetEnvironmentSkipsAllowlistedVars(t *testing.T) {
	setEnvForTest(t, "HOME", "/home/alice")
	target := TargetIdentity{Name: "root", HomeDir: "/root", Shell: "/bin/sh"}

	SetEnvironment("alice", 1000, 1000, "ls", target, []string{"HOME"}, nil)

	assert.Equal(t, "/home/alice", os.Getenv("HOME"))
}

func TestSetEnvironmentEnvAssignWinsLast(t *testing.T) {
	target := TargetIdentity{Name: "root", HomeDir: "/root", Shell: "/bin/sh"}
	SetEnvironment("alice", 1000, 1000, "ls", target, nil, map[string]string{"USER": "forced"})
	assert.Equal(t, "forced", os.Getenv("USER"))
}

func TestRestoreEnvironmentReplacesWholesale(t *testing.T) {
	setEnvForTest(t, "SHOULD_BE_GONE", "x")
	snapshot := map[string]string{"ONLY_THIS": "value"}

	RestoreEnvironment(snapshot)
	t.Cleanup(os.Clearenv)

	_, ok := os.LookupEnv("SHOULD_BE_GONE")
	assert.False(t, ok)
	assert.Equal(t, "value", os.Getenv("ONLY_THIS"))
}

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBasicRule(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", `
[allow bash]
name = alice
regex = ^/bin/bash$
permit = true
`)

	rules, err := Load(path, "alice", "box", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "allow bash", rules[0].Section)
	assert.True(t, rules[0].Permit())
}

func TestLoadRejectsWorldWritableFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[x]\nname=bob\n")
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path, "bob", "box", true)
	assert.Error(t, err)
}

func TestLoadMacroSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", `
[self]
exact_name = %{USER}
exact_hostname = %{HOSTNAME}
regex = .*
`)

	rules, err := Load(path, "carol", "myhost", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].ExactName)
	assert.Equal(t, "carol", *rules[0].ExactName)
	require.NotNil(t, rules[0].ExactHostname)
	assert.Equal(t, "myhost", *rules[0].ExactHostname)
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	included := writeConf(t, dir, "extra.ini", "[extra]\nname=dave\nregex=.*\n")
	main := writeConf(t, dir, "please.ini", "include = "+included+"\n[main]\nname=dave\nregex=.*\n")

	rules, err := Load(main, "dave", "box", true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "extra", rules[0].Section)
	assert.Equal(t, "main", rules[1].Section)
}

func TestLoadIncludeMustBeAbsolute(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "include = relative.ini\n")
	_, err := Load(path, "eve", "box", true)
	assert.Error(t, err)
}

func TestLoadIncludeDirSkipsDotfilesAndNonIni(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "sub.d")
	require.NoError(t, os.Mkdir(subdir, 0o700))
	writeConf(t, subdir, ".hidden.ini", "[hidden]\nname=x\nregex=.*\n")
	writeConf(t, subdir, "notes.txt", "[skipped]\nname=x\nregex=.*\n")
	writeConf(t, subdir, "10-extra.ini", "[extra]\nname=frank\nregex=.*\n")

	main := writeConf(t, dir, "please.ini", "includedir = "+subdir+"\n")
	rules, err := Load(main, "frank", "box", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "extra", rules[0].Section)
}

func TestLoadStrictModeFailsOnUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[bad]\nbogus_key = 1\n")
	_, err := Load(path, "gina", "box", true)
	assert.Error(t, err)
}

func TestLoadNonStrictModeTolerant(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[bad]\nbogus_key = 1\nname=gina\nregex=.*\n")
	rules, err := Load(path, "gina", "box", false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestParseConfigDateEightDigit(t *testing.T) {
	d, err := parseConfigDate("20250704", false)
	require.NoError(t, err)
	assert.Equal(t, 2025, d.Year())
	assert.Equal(t, 0, d.Hour())

	dEnd, err := parseConfigDate("20250704", true)
	require.NoError(t, err)
	assert.Equal(t, 23, dEnd.Hour())
	assert.Equal(t, 59, dEnd.Minute())
}

func TestParseConfigDateFourteenDigit(t *testing.T) {
	d, err := parseConfigDate("20250704153045", false)
	require.NoError(t, err)
	assert.Equal(t, 15, d.Hour())
	assert.Equal(t, 30, d.Minute())
	assert.Equal(t, 45, d.Second())
}

func TestParseConfigDateRejectsBadWidth(t *testing.T) {
	_, err := parseConfigDate("2025", false)
	assert.Error(t, err)
}

func TestLoadEditModeNumeric(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[e]\nname=hank\nregex=.*\ntype=edit\neditmode=0644\n")
	rules, err := Load(path, "hank", "box", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].EditMode)
	require.NotNil(t, rules[0].EditMode.Mode)
	assert.Equal(t, uint32(0o644), *rules[0].EditMode.Mode)
}

func TestLoadEditModeKeep(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[e]\nname=hank\nregex=.*\ntype=edit\neditmode=keep\n")
	rules, err := Load(path, "hank", "box", true)
	require.NoError(t, err)
	require.True(t, rules[0].EditMode.Keep)
}

func TestLoadEnvAssignFirstWins(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "please.ini", "[e]\nname=ivy\nregex=.*\nenv_assign.FOO = one\nenv_assign.FOO = two\n")
	rules, err := Load(path, "ivy", "box", true)
	require.NoError(t, err)
	assert.Equal(t, "one", rules[0].EnvAssign["FOO"])
}

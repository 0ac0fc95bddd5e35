// Package request implements the request builder (spec component C): a
// snapshot of the invoker's identity, environment, and the command or
// file they asked to run/edit.
package request

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/please-works/please/internal/pathsearch"
	"github.com/please-works/please/internal/policy"
)

// Options is the request context threaded through matching, the
// privilege controller, the runner, and the editor workflow (spec's
// RunOptions). Only the matcher and the workflow layer are expected to
// mutate it after New builds it.
type Options struct {
	Name         string
	OrigUID      int
	OrigGID      int
	Target       string
	TargetGroup  string
	hasTargetGrp bool
	Hostname     string
	Cwd          string
	hasCwd       bool
	Args         []string // the command/file argv, post flag-parsing
	Command      string   // the argv joined/escaped command string used for rule matching
	Groups       map[string]uint32
	Now          time.Time
	AclType      policy.AclType
	Reason       string
	hasReason    bool
	Prompt       bool
	PurgeToken   bool
	WarmToken    bool
	NoPrompt     bool
	Resume       bool
	OldUmask     int
	OldEnv       map[string]string
	AllowEnv     []string
	hasAllowEnv  bool
	PathCache    *pathsearch.Cache

	// set by the matcher once a decision has been reached
	MatchedSection string
}

// New snapshots the invoker identity and environment. It also resets
// the process umask to 0o077 (spec.md §4.C) and records the previous
// value in OldUmask so callers can restore it for the child
// editor/runner process.
func New(args []string) (*Options, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	groups := make(map[string]uint32, len(groupIDs))
	for _, gidStr := range groupIDs {
		if g, err := user.LookupGroupId(gidStr); err == nil {
			if n, err := strconv.Atoi(gidStr); err == nil {
				groups[g.Name] = uint32(n)
			}
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	cwd, cwdErr := os.Getwd()

	oldEnv := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			oldEnv[kv[:i]] = kv[i+1:]
		}
	}

	oldUmask := setUmask(0o077)

	o := &Options{
		Name:      u.Username,
		OrigUID:   uid,
		OrigGID:   gid,
		Hostname:  hostname,
		Cwd:       cwd,
		hasCwd:    cwdErr == nil,
		Args:      args,
		Groups:    groups,
		Now:       time.Now().UTC(),
		AclType:   policy.AclRun,
		Target:    "root",
		Prompt:    true,
		OldUmask:  oldUmask,
		OldEnv:    oldEnv,
		PathCache: pathsearch.NewCache(),
	}
	return o, nil
}

func (o *Options) SetReason(r string) {
	o.Reason = r
	o.hasReason = true
}

func (o *Options) ReasonText() (string, bool) { return o.Reason, o.hasReason }

func (o *Options) SetCwd(dir string) {
	o.Cwd = dir
	o.hasCwd = true
}

func (o *Options) CwdValue() (string, bool) { return o.Cwd, o.hasCwd }

func (o *Options) SetTargetGroup(g string) {
	o.TargetGroup = g
	o.hasTargetGrp = true
}

func (o *Options) TargetGroupValue() (string, bool) { return o.TargetGroup, o.hasTargetGrp }

func (o *Options) SetAllowEnv(list []string) {
	o.AllowEnv = list
	o.hasAllowEnv = true
}

func (o *Options) AllowEnvList() ([]string, bool) { return o.AllowEnv, o.hasAllowEnv }

// GroupNames returns the invoker's supplementary/primary group names.
func (o *Options) GroupNames() []string {
	names := make([]string, 0, len(o.Groups))
	for n := range o.Groups {
		names = append(names, n)
	}
	return names
}

// CommandString builds the space-joined, backslash/space-escaped
// argument vector used as the matcher's command predicate subject
// (spec.md §4.B "Command string form").
func CommandString(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, `\`, `\\`)
		a = strings.ReplaceAll(a, ` `, `\ `)
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

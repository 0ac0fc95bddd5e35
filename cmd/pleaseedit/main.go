// Command pleaseedit is the file-edit front-end (spec's "pleaseedit"):
// it authorizes editing a single target-owned file, hands an invoker-
// owned temp copy to their editor, then runs any administrator exit
// hook before atomically renaming the result over the source.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/please-works/please/internal/audit"
	"github.com/please-works/please/internal/auth"
	"github.com/please-works/please/internal/buildinfo"
	"github.com/please-works/please/internal/editor"
	"github.com/please-works/please/internal/plog"
	"github.com/please-works/please/internal/policy"
	"github.com/please-works/please/internal/priv"
	"github.com/please-works/please/internal/request"
	"github.com/please-works/please/internal/runner"
	"github.com/please-works/please/internal/token"
)

const (
	service    = "pleaseedit"
	configPath = "/etc/please.ini"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-t|-u target] [-g group] [-r reason] [-n] [-p] [-w] [--resume] </path/to/file>\n", service)
	flag.PrintDefaults()
}

func main() {
	fs := flag.NewFlagSet(service, flag.ExitOnError)
	fs.Usage = usage

	var target, targetAlt, group, reason string
	fs.StringVar(&target, "t", "", "target user")
	fs.StringVar(&target, "target", "", "target user")
	fs.StringVar(&targetAlt, "u", "", "target user (synonym for -t)")
	fs.StringVar(&targetAlt, "user", "", "target user (synonym for -t)")
	fs.StringVar(&group, "g", "", "target group")
	fs.StringVar(&group, "group", "", "target group")
	fs.StringVar(&reason, "r", "", "reason text")
	fs.StringVar(&reason, "reason", "", "reason text")

	var noPrompt, purge, warm, version, resume bool
	fs.BoolVar(&noPrompt, "n", false, "do nothing if a password is required")
	fs.BoolVar(&noPrompt, "noprompt", false, "do nothing if a password is required")
	fs.BoolVar(&purge, "p", false, "purge the cached token")
	fs.BoolVar(&purge, "purge", false, "purge the cached token")
	fs.BoolVar(&warm, "w", false, "warm the token cache and exit")
	fs.BoolVar(&warm, "warm", false, "warm the token cache and exit")
	fs.BoolVar(&version, "v", false, "print version and exit")
	fs.BoolVar(&version, "version", false, "print version and exit")
	fs.BoolVar(&resume, "resume", false, "resume editing when the exit hook fails")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if version {
		buildinfo.PrintVersion(os.Stdout, service)
		os.Exit(0)
	}

	if fs.NArg() == 1 && fs.Arg(0) == "credits" {
		buildinfo.PrintCredits(os.Stdout, service)
		os.Exit(0)
	}

	if target != "" && targetAlt != "" && target != targetAlt {
		fmt.Fprintln(os.Stderr, "Cannot use -t and -u with conflicting values")
		usage()
		os.Exit(1)
	}
	if target == "" {
		target = targetAlt
	}

	opt, err := request.New(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "pleaseedit: could not determine invoker identity:", err)
		os.Exit(1)
	}
	opt.AclType = policy.AclEdit

	if target != "" {
		opt.Target = target
	}
	if group != "" {
		opt.SetTargetGroup(group)
	}
	if reason != "" {
		opt.SetReason(reason)
	}
	if noPrompt {
		opt.Prompt = false
	}

	logger := plog.Default()
	ttyPath := ttyName()

	if purge {
		mustEscPrivs(logger)
		tokPath := token.Path(opt.Name, ttyPath, os.Getppid())
		if err := token.Remove(tokPath); err != nil {
			logger.Warn("could not purge token: %v", err)
		}
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		os.Exit(0)
	}

	if warm {
		if opt.Prompt {
			if err := challenge(opt.Name, ttyPath, 0); err != nil {
				os.Exit(1)
			}
			mustEscPrivs(logger)
			token.Update(token.Path(opt.Name, ttyPath, os.Getppid()))
			mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		}
		os.Exit(0)
	}

	if len(opt.Args) != 1 {
		fmt.Fprintln(os.Stderr, "You must provide one file to edit")
		usage()
		os.Exit(1)
	}
	sourceFile := opt.Args[0]

	mustEscPrivs(logger)
	rules, loadErr := policy.Load(configPath, opt.Name, opt.Hostname, true)
	if loadErr != nil {
		fmt.Fprintln(os.Stderr, "pleaseedit: configuration error:", loadErr)
		os.Exit(1)
	}

	mi := policy.MatchInput{
		Name:       opt.Name,
		Hostname:   opt.Hostname,
		GroupNames: opt.GroupNames(),
		Now:        opt.Now,
		AclType:    opt.AclType,
		Args:       []string{sourceFile},
		TargetName: opt.Target,
		Resolve:    func(binary, searchPath string) (string, bool) { return binary, true },
	}
	if cwd, ok := opt.CwdValue(); ok {
		mi.Cwd = cwd
		mi.HasCwd = true
	}
	if tg, ok := opt.TargetGroupValue(); ok {
		mi.TargetGroup = tg
		mi.HasTargetGroup = true
	}
	if r, ok := opt.ReasonText(); ok {
		mi.Reason = r
		mi.HasReason = true
	}

	decision := policy.Decide(rules, &mi)
	opt.MatchedSection = mi.MatchedSection
	opt.Command = mi.Command

	mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)

	auditor := audit.Open()
	defer auditor.Close()

	reasonText, _ := opt.ReasonText()
	record := audit.Record{
		User:    opt.Name,
		Cwd:     opt.Cwd,
		TTY:     ttyPath,
		Command: opt.Command,
		Target:  opt.Target,
		AclType: opt.AclType.String(),
		Reason:  reasonText,
		Section: opt.MatchedSection,
	}

	if !decision.Permit() {
		record.Action = audit.ActionDeny
		auditor.Write(record)
		fmt.Fprintf(os.Stderr, "You may not edit %q on %s as %s\n", sourceFile, opt.Hostname, opt.Target)
		os.Exit(1)
	}

	if !policy.ReasonOK(decision, opt.Reason, func() bool { _, ok := opt.ReasonText(); return ok }()) {
		record.Action = audit.ActionReasonFail
		auditor.Write(record)
		fmt.Fprintln(os.Stderr, "pleaseedit: a reason is required for this edit")
		os.Exit(1)
	}

	if decision.RequirePassword() {
		tokPath := token.Path(opt.Name, ttyPath, os.Getppid())
		var timeoutSecs uint64 = token.DefaultTimeoutSeconds
		if decision.TokenTimeout != nil {
			timeoutSecs = *decision.TokenTimeout
		}

		mustEscPrivs(logger)
		valid := token.Valid(tokPath, timeoutSecs)
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)

		switch {
		case valid:
			mustEscPrivs(logger)
			token.Update(tokPath)
			mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		case !opt.Prompt:
			record.Action = audit.ActionDeny
			auditor.Write(record)
			fmt.Fprintln(os.Stderr, "pleaseedit: no valid cached credentials and prompting is disabled")
			os.Exit(1)
		default:
			timeout := time.Duration(0)
			if decision.Timeout != nil {
				timeout = time.Duration(*decision.Timeout) * time.Second
			}
			if err := challenge(opt.Name, ttyPath, timeout); err != nil {
				record.Action = audit.ActionDeny
				auditor.Write(record)
				os.Exit(1)
			}
			mustEscPrivs(logger)
			token.Update(tokPath)
			mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		}
	}

	targetUID, targetGID, targetHome, targetShell, err := lookupTarget(opt.Target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pleaseedit: could not resolve target user:", err)
		os.Exit(1)
	}

	record.Action = audit.ActionPermit
	if decision.Syslog == nil || *decision.Syslog {
		auditor.Write(record)
	}

	editorCmd := resolveEditor()

	snapshot := runner.CleanEnvironment(nil, true)
	runner.SetEnvironment(opt.Name, opt.OrigUID, opt.OrigGID, opt.Command, runner.TargetIdentity{
		Name:    opt.Target,
		UID:     targetUID,
		GID:     targetGID,
		HomeDir: targetHome,
		Shell:   targetShell,
	}, nil, decision.EnvAssign)
	os.Setenv("PLEASE_SOURCE_FILE", sourceFile)

	sess := &editor.Session{
		Service:    service,
		SourceFile: sourceFile,
		Identity: editor.Identity{
			OrigName:  opt.Name,
			OrigUID:   opt.OrigUID,
			OrigGID:   opt.OrigGID,
			TargetUID: targetUID,
			TargetGID: targetGID,
		},
		Rule:     decision,
		Editor:   editorCmd,
		OldUmask: opt.OldUmask,
		OldEnv:   snapshot,
	}

	if err := sess.Run(resume); err != nil {
		fmt.Fprintln(os.Stderr, "pleaseedit:", err)
		runner.RestoreEnvironment(snapshot)
		os.Exit(1)
	}

	runner.RestoreEnvironment(snapshot)
}

func resolveEditor() string {
	for _, name := range []string{"VISUAL", "EDITOR"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return "/usr/bin/vi"
}

func challenge(user, ttyPath string, timeout time.Duration) error {
	a := auth.New(service)
	a.TTYPath = ttyPath
	return a.Challenge(user, timeout)
}

func mustEscPrivs(logger *plog.Logger) {
	if err := priv.EscPrivs(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustDropPrivs(logger *plog.Logger, origUID, origGID int) {
	if err := priv.DropPrivs(origUID, origGID); err != nil {
		logger.Error("drop_privs failed: %v", err)
		os.Exit(1)
	}
}

func ttyName() string {
	for _, fd := range []int{0, 1, 2} {
		if name, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil && name != "" {
			return name
		}
	}
	return "notty"
}

func lookupTarget(name string) (uid, gid int, home, shell string, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, "", "", err
	}
	uid, _ = strconv.Atoi(u.Uid)
	gid, _ = strconv.Atoi(u.Gid)
	return uid, gid, u.HomeDir, loginShell(u.Uid), nil
}

// loginShell reads /etc/passwd for the shell field os/user.User doesn't
// expose, matching the target's attributes the way the original reads
// lookup_name.shell() from the same nsswitch-backed passwd database.
// Falls back to /bin/sh only when the uid genuinely has no passwd entry
// or the field is empty.
func loginShell(uid string) string {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "/bin/sh"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[2] != uid {
			continue
		}
		if fields[6] == "" {
			return "/bin/sh"
		}
		return fields[6]
	}
	return "/bin/sh"
}

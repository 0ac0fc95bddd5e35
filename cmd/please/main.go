// Command please is the run/list front-end (spec's "please"): it
// authorizes a request against /etc/please.ini, optionally challenges
// the invoker for their own password, then either execs the resolved
// command as the target identity or prints the matching rules for -l.
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

	"golang.org/x/term"

	"github.com/please-works/please/internal/audit"
	"github.com/please-works/please/internal/auth"
	"github.com/please-works/please/internal/buildinfo"
	"github.com/please-works/please/internal/pathsearch"
	"github.com/please-works/please/internal/plog"
	"github.com/please-works/please/internal/policy"
	"github.com/please-works/please/internal/priv"
	"github.com/please-works/please/internal/request"
	"github.com/please-works/please/internal/runner"
	"github.com/please-works/please/internal/token"
)

const (
	service    = "please"
	configPath = "/etc/please.ini"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-t|-u target] [-g group] [-r reason] [-n] [-p] [-w] [-l] command [args...]\n", service)
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

	var noPrompt, purge, warm, version, list bool
	fs.BoolVar(&noPrompt, "n", false, "do not prompt for a password")
	fs.BoolVar(&noPrompt, "noprompt", false, "do not prompt for a password")
	fs.BoolVar(&purge, "p", false, "purge the cached token")
	fs.BoolVar(&purge, "purge", false, "purge the cached token")
	fs.BoolVar(&warm, "w", false, "warm the token cache and exit")
	fs.BoolVar(&warm, "warm", false, "warm the token cache and exit")
	fs.BoolVar(&version, "v", false, "print version and exit")
	fs.BoolVar(&version, "version", false, "print version and exit")
	fs.BoolVar(&list, "l", false, "list rules applying to the invoker instead of running a command")
	fs.BoolVar(&list, "list", false, "list rules applying to the invoker instead of running a command")

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
		fmt.Fprintln(os.Stderr, "please: could not determine invoker identity:", err)
		os.Exit(1)
	}

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
	if list {
		opt.AclType = policy.AclList
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

	mustEscPrivs(logger)
	rules, loadErr := policy.Load(configPath, opt.Name, opt.Hostname, true)
	if loadErr != nil {
		fmt.Fprintln(os.Stderr, "please: configuration error:", loadErr)
		os.Exit(1)
	}

	mi := policy.MatchInput{
		Name:           opt.Name,
		Hostname:       opt.Hostname,
		GroupNames:     opt.GroupNames(),
		Now:            opt.Now,
		AclType:        opt.AclType,
		Args:           opt.Args,
		TargetName:     opt.Target,
		Resolve: func(binary, searchPath string) (string, bool) {
			return pathsearch.Resolve(opt.PathCache, binary, searchPath)
		},
	}
	if cwd, ok := opt.CwdValue(); ok {
		mi.Cwd = cwd
		mi.HasCwd = true
	}
	if tg, ok := opt.TargetGroupValue(); ok {
		mi.TargetGroup = tg
		mi.HasTargetGroup = true
	}
	if env, ok := opt.AllowEnvList(); ok {
		mi.AllowEnv = env
		mi.HasAllowEnv = true
	}
	if r, ok := opt.ReasonText(); ok {
		mi.Reason = r
		mi.HasReason = true
	}

	decision := policy.Decide(rules, &mi)
	opt.MatchedSection = mi.MatchedSection
	opt.Command = mi.Command

	auditor := audit.Open()
	defer auditor.Close()

	if opt.AclType == policy.AclList {
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		lines := policy.ProduceList(rules, mi)
		for _, l := range lines {
			fmt.Println(l)
		}
		os.Exit(0)
	}

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
		fmt.Fprintf(os.Stderr, "You may not run \"%s\" on %s as %s\n", opt.Command, opt.Hostname, opt.Target)
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		os.Exit(1)
	}

	if !policy.ReasonOK(decision, opt.Reason, func() bool { _, ok := opt.ReasonText(); return ok }()) {
		record.Action = audit.ActionReasonFail
		auditor.Write(record)
		fmt.Fprintln(os.Stderr, "please: a reason is required for this command")
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		os.Exit(1)
	}

	if decision.RequirePassword() {
		tokPath := token.Path(opt.Name, ttyPath, os.Getppid())
		var timeoutSecs uint64 = token.DefaultTimeoutSeconds
		if decision.TokenTimeout != nil {
			timeoutSecs = *decision.TokenTimeout
		}

		switch {
		case token.Valid(tokPath, timeoutSecs):
			token.Update(tokPath)
		case !opt.Prompt:
			record.Action = audit.ActionDeny
			auditor.Write(record)
			fmt.Fprintln(os.Stderr, "please: no valid cached credentials and prompting is disabled")
			mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
			os.Exit(1)
		default:
			timeout := time.Duration(0)
			if decision.Timeout != nil {
				timeout = time.Duration(*decision.Timeout) * time.Second
			}
			if err := priv.DropPrivs(opt.OrigUID, opt.OrigGID); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := challenge(opt.Name, ttyPath, timeout); err != nil {
				record.Action = audit.ActionDeny
				auditor.Write(record)
				os.Exit(1)
			}
			mustEscPrivs(logger)
			token.Update(tokPath)
		}
	}

	targetUID, targetGID, targetHome, targetShell, err := lookupTarget(opt.Target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "please: could not resolve target user:", err)
		mustDropPrivs(logger, opt.OrigUID, opt.OrigGID)
		os.Exit(1)
	}

	record.Action = audit.ActionPermit
	if decision.Syslog == nil || *decision.Syslog {
		auditor.Write(record)
	}

	allowEnv, _ := opt.AllowEnvList()
	runner.CleanEnvironment(allowEnv, false)
	runner.SetEnvironment(opt.Name, opt.OrigUID, opt.OrigGID, opt.Command, runner.TargetIdentity{
		Name:    opt.Target,
		UID:     targetUID,
		GID:     targetGID,
		HomeDir: targetHome,
		Shell:   targetShell,
	}, allowEnv, decision.EnvAssign)

	if err := priv.SetPrivs(opt.Target, targetUID, targetGID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	searchPath := ""
	if decision.SearchPath != nil {
		searchPath = *decision.SearchPath
	}
	resolved, found := pathsearch.Resolve(opt.PathCache, opt.Args[0], searchPath)
	if !found {
		fmt.Fprintf(os.Stderr, "please: %s: command not found\n", opt.Args[0])
		os.Exit(1)
	}
	argv := append([]string{resolved}, opt.Args[1:]...)

	if err := runner.Exec(resolved, argv); err != nil {
		fmt.Fprintln(os.Stderr, "please: exec failed:", err)
		os.Exit(1)
	}
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

// ttyName returns the controlling terminal path used as part of the
// token cache key, following the original's tty_name: the device
// backing stdin, stdout, then stderr, in that order.
func ttyName() string {
	for _, fd := range []int{0, 1, 2} {
		if !term.IsTerminal(fd) {
			continue
		}
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

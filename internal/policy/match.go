package policy

import (
	"strings"
	"time"
)

// MatchInput is everything the matcher needs from the request builder
// (spec component C), copied in rather than imported as a type so that
// this package never depends on package request (request already
// depends on policy for AclType). Decide mutates Command and
// MatchedSection in place, mirroring the original's RunOptions mutation
// during matching.
type MatchInput struct {
	Name            string
	Hostname        string
	GroupNames      []string
	Cwd             string
	HasCwd          bool
	TargetName      string
	TargetGroup     string
	HasTargetGroup  bool
	AllowEnv        []string
	HasAllowEnv     bool
	Now             time.Time
	AclType         AclType
	Args            []string
	Reason          string
	HasReason       bool
	Command         string
	MatchedSection  string

	// Resolve is supplied by the caller (internal/pathsearch.Resolve
	// bound to the request's per-invocation cache) so this package
	// never needs to import pathsearch's Cache type by name either;
	// it just needs the resolution function.
	Resolve func(binary, searchPath string) (string, bool)
}

func hostOk(r Rule, mi MatchInput) bool {
	if r.ExactHostname != nil {
		h := *r.ExactHostname
		return h == mi.Hostname || h == "any" || h == "localhost"
	}
	if r.hostnameRe != nil {
		if r.hostnameRe.MatchString(mi.Hostname) || r.hostnameRe.MatchString("any") || r.hostnameRe.MatchString("localhost") {
			return true
		}
		return false
	}
	return true
}

func targetOk(r Rule, mi MatchInput) bool {
	if r.ExactTarget != nil {
		return *r.ExactTarget == mi.TargetName
	}
	if r.targetRe != nil {
		return r.targetRe.MatchString(mi.TargetName)
	}
	return false
}

func targetGroupOk(r Rule, mi MatchInput) bool {
	wantsGroup := r.TargetGroup != nil || r.ExactTargetGroup != nil
	if wantsGroup && !mi.HasTargetGroup {
		return false
	}
	if !mi.HasTargetGroup {
		return true
	}
	if r.ExactTargetGroup != nil {
		return *r.ExactTargetGroup == mi.TargetGroup
	}
	if r.targetGroupRe != nil {
		return r.targetGroupRe.MatchString(mi.TargetGroup)
	}
	return false
}

func ruleOk(r Rule, mi MatchInput) bool {
	if r.ExactRule != nil {
		return *r.ExactRule == mi.Command
	}
	if r.ruleRe != nil {
		return r.ruleRe.MatchString(mi.Command)
	}
	return false
}

func dirOk(r Rule, mi MatchInput) bool {
	if r.ExactDir != nil {
		if !mi.HasCwd {
			return false
		}
		return *r.ExactDir == mi.Cwd
	}
	if r.Dir != nil {
		if !mi.HasCwd {
			return false
		}
		if r.dirRe == nil {
			return false
		}
		return r.dirRe.MatchString(mi.Cwd)
	}
	return !mi.HasCwd || true // unset predicate matches any cwd
}

func envOk(r Rule, mi MatchInput) bool {
	if !mi.HasAllowEnv {
		return true
	}
	if r.EnvPermit == nil || r.envPermitRe == nil {
		return false
	}
	for _, permitEnv := range mi.AllowEnv {
		if !r.envPermitRe.MatchString(permitEnv) {
			return false
		}
	}
	return true
}

func datesOk(r Rule, mi MatchInput) bool {
	now := mi.Now.Unix()
	if r.NotBefore != nil && *r.NotBefore > now {
		return false
	}
	if r.NotAfter != nil && *r.NotAfter < now {
		return false
	}
	if r.dateMatchRe != nil {
		formatted := formatDateMatch(mi.Now)
		if !r.dateMatchRe.MatchString(formatted) {
			return false
		}
	}
	return true
}

// formatDateMatch matches the original's "%a %e %b %T UTC %Y" strftime,
// e.g. "Thu  3 Jul 15:04:05 UTC 2025" (day-of-month is space-padded).
func formatDateMatch(t time.Time) string {
	day := t.Day()
	dayField := ""
	if day < 10 {
		dayField = " " + itoa(day)
	} else {
		dayField = itoa(day)
	}
	return t.Format("Mon") + " " + dayField + " " + t.Format("Jan 15:04:05") + " UTC " + t.Format("2006")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func nameMatches(r Rule, mi MatchInput) bool {
	if r.ExactName != nil {
		return *r.ExactName == mi.Name
	}
	if r.nameRe != nil {
		return r.nameRe.MatchString(mi.Name)
	}
	return false
}

func groupMatches(r Rule, mi MatchInput) bool {
	if r.ExactName != nil {
		for _, g := range mi.GroupNames {
			if *r.ExactName == g {
				return true
			}
		}
		return false
	}
	if r.nameRe != nil {
		for _, g := range mi.GroupNames {
			if r.nameRe.MatchString(g) {
				return true
			}
		}
	}
	return false
}

// matching applies every predicate in spec.md §4.B order, resolving
// argv[0] through PATH and rewriting mi.Command only once the
// identity/scope predicates have already passed (a rejected rule must
// never pay for a PATH search).
func matching(r Rule, mi *MatchInput) bool {
	if !datesOk(r, *mi) {
		return false
	}
	if !r.Group && !nameMatches(r, *mi) {
		return false
	}
	if r.Group && !groupMatches(r, *mi) {
		return false
	}
	if !hostOk(r, *mi) {
		return false
	}
	if !dirOk(r, *mi) {
		return false
	}
	if !envOk(r, *mi) {
		return false
	}
	if !targetOk(r, *mi) {
		return false
	}
	if !targetGroupOk(r, *mi) {
		return false
	}

	if r.AclType == AclList {
		return true
	}

	mi.Command = strings.Join(escapeArgs(mi.Args), " ")

	if r.AclType == AclRun {
		if len(mi.Args) == 0 {
			return false
		}
		searchPath := ""
		if r.SearchPath != nil {
			searchPath = *r.SearchPath
		}
		resolved, found := mi.Resolve(mi.Args[0], searchPath)
		if !found {
			return false
		}
		cloned := append([]string{}, mi.Args...)
		cloned[0] = resolved
		mi.Command = strings.Join(escapeArgs(cloned), " ")
	}

	if r.AclType == AclEdit {
		if len(mi.Args) == 0 {
			return false
		}
		mi.Command = strings.Join(escapeArgs(mi.Args[:1]), " ")
	}

	return ruleOk(r, *mi)
}

func escapeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, `\`, `\\`)
		a = strings.ReplaceAll(a, ` `, `\ `)
		out[i] = a
	}
	return out
}

// mergeDefault layers default-only fields onto item wherever item
// leaves them unset, matching merge_default in the original.
func mergeDefault(def, item Rule) Rule {
	merged := item
	if def.Syslog != nil && merged.Syslog == nil {
		merged.Syslog = def.Syslog
	}
	if def.Reason != nil && merged.Reason == nil {
		merged.Reason = def.Reason
	}
	if def.RequirePass != nil && merged.RequirePass == nil {
		merged.RequirePass = def.RequirePass
	}
	if def.Last != nil && merged.Last == nil {
		merged.Last = def.Last
	}
	if def.ExitCmd != nil && merged.ExitCmd == nil {
		merged.ExitCmd = def.ExitCmd
	}
	if def.EditMode != nil && merged.EditMode == nil {
		merged.EditMode = def.EditMode
	}
	if def.Timeout != nil && merged.Timeout == nil {
		merged.Timeout = def.Timeout
	}
	if def.EnvPermit != nil && merged.EnvPermit == nil {
		merged.EnvPermit = def.EnvPermit
		merged.envPermitRe = def.envPermitRe
	}
	if def.EnvAssign != nil && merged.EnvAssign == nil {
		merged.EnvAssign = def.EnvAssign
	}
	if def.Permit != nil && merged.Permit == nil {
		merged.Permit = def.Permit
	}
	if def.SearchPath != nil && merged.SearchPath == nil {
		merged.SearchPath = def.SearchPath
	}
	if def.TokenTimeout != nil && merged.TokenTimeout == nil {
		merged.TokenTimeout = def.TokenTimeout
	}
	return merged
}

// Decide walks the rule vector in load order and returns the single
// effective rule for mi, synthesizing a deny when nothing matched
// (spec.md §4.B "Resolution").
func Decide(rules []Rule, mi *MatchInput) Rule {
	decision := newDeny()
	def := New()

	for _, item := range rules {
		if item.AclType != mi.AclType {
			continue
		}
		if !matching(item, mi) {
			continue
		}

		if strings.HasPrefix(item.Section, "default") {
			def = mergeDefault(def, item)
		}

		decision = mergeDefault(def, item)
		decision.MatchedSection = item.FileName + ":" + item.Section
		mi.MatchedSection = decision.MatchedSection

		if decision.Last != nil && *decision.Last {
			break
		}
	}
	return decision
}

// ReasonOK checks the supplied reason against the matched rule's
// requirement, performed after authorization so feedback can be
// tailored (spec.md §4.F / original's reason_ok).
func ReasonOK(r Rule, reason string, hasReason bool) bool {
	if r.Reason == nil {
		return true
	}
	if r.Reason.Text != nil {
		if r.Reason.re == nil {
			return false
		}
		return hasReason && r.Reason.re.MatchString(reason)
	}
	if r.Reason.Need != nil && *r.Reason.Need {
		return hasReason
	}
	return true
}

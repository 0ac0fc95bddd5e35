// Package policy implements the config loader (spec component A) and the
// rule model and matcher (spec component B): parsing the please.ini
// dialect into an ordered rule vector, then deciding permit/deny plus
// the full set of effective options for a single request.
package policy

import (
	"fmt"
	"regexp"
)

// AclType tags which of the three front-ends a rule or request concerns.
type AclType int

const (
	AclRun AclType = iota
	AclList
	AclEdit
)

func (t AclType) String() string {
	switch t {
	case AclRun:
		return "run"
	case AclList:
		return "list"
	case AclEdit:
		return "edit"
	}
	return "unknown"
}

func ParseAclType(s string) AclType {
	switch s {
	case "edit":
		return AclEdit
	case "list":
		return AclList
	default:
		return AclRun
	}
}

// EditMode is either a literal POSIX mode or "keep the source file's mode".
type EditMode struct {
	Mode *uint32
	Keep bool
}

// Reason is either a required/omitted boolean, or a regex the supplied
// reason text must satisfy.
type Reason struct {
	Need *bool
	Text *string
	re   *regexp.Regexp
}

// Rule is one section of the policy database (spec's EnvOptions).
type Rule struct {
	// identity predicates
	Name      *string
	ExactName *string
	Group     bool

	// scope predicates
	Hostname         *string
	ExactHostname    *string
	Target           *string
	ExactTarget      *string
	TargetGroup      *string
	ExactTargetGroup *string
	Dir              *string
	ExactDir         *string
	RulePattern      *string
	ExactRule        *string
	DateMatch        *string
	NotBefore        *int64 // unix seconds, UTC
	NotAfter         *int64

	// effect fields
	Permit       *bool
	RequirePass  *bool
	AclType      AclType
	EnvPermit    *string
	EnvAssign    map[string]string
	ExitCmd      *string
	EditMode     *EditMode
	Reason       *Reason
	Last         *bool
	Syslog       *bool
	Timeout      *uint32
	SearchPath   *string
	TokenTimeout *uint64

	// provenance
	FileName string
	Section  string

	Configured bool

	// compiled regexes, built once at load time against the known
	// invoker/hostname (the request is built before the config is
	// loaded, so %{USER}/%{HOSTNAME} substitution can happen exactly
	// once instead of per match).
	nameRe           *regexp.Regexp
	hostnameRe       *regexp.Regexp
	targetRe         *regexp.Regexp
	targetGroupRe    *regexp.Regexp
	dirRe            *regexp.Regexp
	ruleRe           *regexp.Regexp
	dateMatchRe      *regexp.Regexp
	envPermitRe      *regexp.Regexp
	regexErrs        []error
}

// New returns a rule with the same defaults as the original's EnvOptions::new().
func New() Rule {
	target := "root"
	rule := "^$"
	return Rule{
		Target:      &target,
		RulePattern: &rule,
		AclType:     AclRun,
	}
}

// newDeny synthesizes the "nothing matched" result described in spec.md
// §4.B: any subsequent permit() check returns false.
func newDeny() Rule {
	r := New()
	permit := false
	rule := "."
	target := "^$"
	r.Permit = &permit
	r.RulePattern = &rule
	r.Target = &target
	r.AclType = AclList
	return r
}

// Permit reports whether the rule, as merged, allows the request.
func (r Rule) Permit() bool {
	if r.Permit != nil && !*r.Permit {
		return false
	}
	return true
}

// RequirePassword reports whether a password challenge is needed.
func (r Rule) RequirePassword() bool {
	if r.RequirePass != nil && !*r.RequirePass {
		return false
	}
	return true
}

func boolPtr(b bool) *bool { return &b }

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s", r.FileName, r.Section)
}

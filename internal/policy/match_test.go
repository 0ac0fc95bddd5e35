package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileRule(t *testing.T, r Rule) Rule {
	t.Helper()
	st := &loadState{macroUser: "", macroHost: ""}
	r.compile(st)
	require.False(t, st.faulty)
	return r
}

func strp(s string) *string { return &s }

func TestDecideDeniesWhenNoRuleMatches(t *testing.T) {
	mi := &MatchInput{
		Name:       "mallory",
		Hostname:   "box",
		TargetName: "root",
		AclType:    AclRun,
		Args:       []string{"/bin/ls"},
		Now:        time.Now().UTC(),
		Resolve:    func(b, s string) (string, bool) { return b, true },
	}
	decision := Decide(nil, mi)
	assert.False(t, decision.Permit())
}

func TestDecidePermitsExactMatch(t *testing.T) {
	name := "^alice$"
	rule := Rule{
		Name:        &name,
		Target:      strp("root"),
		RulePattern: strp("^/bin/ls$"),
		AclType:     AclRun,
		Section:     "allow",
		FileName:    "please.ini",
	}
	rule = compileRule(t, rule)

	mi := &MatchInput{
		Name:       "alice",
		Hostname:   "box",
		TargetName: "root",
		AclType:    AclRun,
		Args:       []string{"/bin/ls"},
		Now:        time.Now().UTC(),
		Resolve:    func(b, s string) (string, bool) { return b, true },
	}
	decision := Decide([]Rule{rule}, mi)
	assert.True(t, decision.Permit())
	assert.Equal(t, "please.ini:allow", mi.MatchedSection)
}

func TestDecideLastStopsEvaluation(t *testing.T) {
	allow := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		RulePattern: strp(".*"),
		AclType:     AclRun,
		Section:     "first",
		FileName:    "f",
		Last:        boolPtr(true),
	}
	allow = compileRule(t, allow)

	permitFalse := false
	deny := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		RulePattern: strp(".*"),
		AclType:     AclRun,
		Section:     "second",
		FileName:    "f",
		Permit:      &permitFalse,
	}
	deny = compileRule(t, deny)

	mi := &MatchInput{
		Name:       "al",
		Hostname:   "box",
		TargetName: "root",
		AclType:    AclRun,
		Args:       []string{"/bin/ls"},
		Now:        time.Now().UTC(),
		Resolve:    func(b, s string) (string, bool) { return b, true },
	}
	decision := Decide([]Rule{allow, deny}, mi)
	assert.True(t, decision.Permit())
	assert.Equal(t, "f:first", mi.MatchedSection)
}

func TestDecideLaterRuleOverridesEarlier(t *testing.T) {
	permitFalse := false
	first := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		RulePattern: strp(".*"),
		AclType:     AclRun,
		Section:     "deny-all",
		FileName:    "f",
		Permit:      &permitFalse,
	}
	first = compileRule(t, first)

	second := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		RulePattern: strp(".*"),
		AclType:     AclRun,
		Section:     "allow-later",
		FileName:    "f",
	}
	second = compileRule(t, second)

	mi := &MatchInput{
		Name:       "al",
		Hostname:   "box",
		TargetName: "root",
		AclType:    AclRun,
		Args:       []string{"/bin/ls"},
		Now:        time.Now().UTC(),
		Resolve:    func(b, s string) (string, bool) { return b, true },
	}
	decision := Decide([]Rule{first, second}, mi)
	assert.True(t, decision.Permit())
}

func TestDatesOkRespectsWindow(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	r := Rule{NotBefore: &future}
	mi := MatchInput{Now: now}
	assert.False(t, datesOk(r, mi))

	r2 := Rule{NotAfter: &past}
	assert.False(t, datesOk(r2, mi))

	r3 := Rule{NotBefore: &past}
	assert.True(t, datesOk(r3, mi))
}

func TestGroupMatches(t *testing.T) {
	r := Rule{Group: true, ExactName: strp("wheel")}
	mi := MatchInput{GroupNames: []string{"users", "wheel"}}
	assert.True(t, groupMatches(r, mi))

	mi2 := MatchInput{GroupNames: []string{"users"}}
	assert.False(t, groupMatches(r, mi2))
}

func TestTargetGroupOkRequiresRuleWhenRequested(t *testing.T) {
	r := Rule{}
	mi := MatchInput{HasTargetGroup: true, TargetGroup: "admins"}
	assert.False(t, targetGroupOk(r, mi))

	r2 := Rule{ExactTargetGroup: strp("admins")}
	assert.True(t, targetGroupOk(r2, mi))
}

func TestDirOkUnsetPredicateMatchesAnyCwd(t *testing.T) {
	r := Rule{}
	mi := MatchInput{HasCwd: true, Cwd: "/tmp"}
	assert.True(t, dirOk(r, mi))
}

func TestDirOkExactRequiresCwd(t *testing.T) {
	r := Rule{ExactDir: strp("/srv")}
	mi := MatchInput{HasCwd: false}
	assert.False(t, dirOk(r, mi))

	mi2 := MatchInput{HasCwd: true, Cwd: "/srv"}
	assert.True(t, dirOk(r, mi2))
}

func TestRunAclResolvesArgv0(t *testing.T) {
	r := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		ExactRule:   strp("/usr/bin/ls -la"),
		AclType:     AclRun,
	}
	r = compileRule(t, r)

	mi := &MatchInput{
		Name:       "al",
		TargetName: "root",
		AclType:    AclRun,
		Args:       []string{"ls", "-la"},
		Resolve: func(b, s string) (string, bool) {
			if b == "ls" {
				return "/usr/bin/ls", true
			}
			return "", false
		},
	}
	assert.True(t, matching(r, mi))
	assert.Equal(t, "/usr/bin/ls -la", mi.Command)
}

func TestEditAclOnlyMatchesFirstArg(t *testing.T) {
	r := Rule{
		Name:        strp("^al$"),
		Target:      strp("root"),
		ExactRule:   strp("/etc/hosts"),
		AclType:     AclEdit,
	}
	r = compileRule(t, r)

	mi := &MatchInput{
		Name:       "al",
		TargetName: "root",
		AclType:    AclEdit,
		Args:       []string{"/etc/hosts"},
	}
	assert.True(t, matching(r, mi))
	assert.Equal(t, "/etc/hosts", mi.Command)
}

func TestReasonOKRequiresTextMatch(t *testing.T) {
	r := Rule{Reason: &Reason{Text: strp("^JIRA-\\d+$")}}
	st := &loadState{}
	r.compile(st)
	require.False(t, st.faulty)

	assert.False(t, ReasonOK(r, "", false))
	assert.False(t, ReasonOK(r, "nope", true))
	assert.True(t, ReasonOK(r, "JIRA-123", true))
}

func TestReasonOKNeedTrueRequiresAnyReason(t *testing.T) {
	need := true
	r := Rule{Reason: &Reason{Need: &need}}
	assert.False(t, ReasonOK(r, "", false))
	assert.True(t, ReasonOK(r, "anything", true))
}

func TestFormatDateMatchPadsDay(t *testing.T) {
	d := time.Date(2025, time.July, 3, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "Thu  3 Jul 15:04:05 UTC 2025", formatDateMatch(d))
}

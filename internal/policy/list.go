package policy

import (
	"fmt"
	"strings"
)

func listRule(r Rule) string {
	if r.ExactRule != nil {
		return fmt.Sprintf("exact(%s)", *r.ExactRule)
	}
	if r.RulePattern != nil {
		return *r.RulePattern
	}
	return ""
}

func listTarget(r Rule) string {
	if r.ExactTarget != nil {
		return fmt.Sprintf("exact(%s)", *r.ExactTarget)
	}
	if r.Target != nil {
		return *r.Target
	}
	return ""
}

func listDir(r Rule) string {
	if r.ExactDir != nil {
		return fmt.Sprintf("exact(%s)", *r.ExactDir)
	}
	if r.Dir != nil {
		return *r.Dir
	}
	return ""
}

// ProduceList renders the rule vector as the human-readable `please -l`
// report (spec's supplemented "list ACL" feature): every rule naming
// mi.Name (or, when a target was given on the command line, naming
// that target instead — "what can X run"), grouped by source file,
// annotated with upcoming/expired/reason/last/denied qualifiers.
func ProduceList(rules []Rule, mi MatchInput) []string {
	who := mi.Name
	if mi.TargetName != "" {
		who = mi.TargetName
	}

	var out []string
	lastFile := ""
	now := mi.Now.Unix()

	for _, item := range rules {
		subjectMatches := false
		if !item.Group {
			subjectMatches = (item.ExactName != nil && *item.ExactName == who) ||
				(item.nameRe != nil && item.nameRe.MatchString(who))
		} else {
			for _, g := range mi.GroupNames {
				if (item.ExactName != nil && *item.ExactName == g) ||
					(item.nameRe != nil && item.nameRe.MatchString(g)) {
					subjectMatches = true
					break
				}
			}
		}
		if !subjectMatches {
			continue
		}

		var prefixes []string
		if item.NotBefore != nil && *item.NotBefore > now {
			prefixes = append(prefixes, fmt.Sprintf("upcoming(%d)", *item.NotBefore))
		}
		if item.NotAfter != nil && *item.NotAfter < now {
			prefixes = append(prefixes, fmt.Sprintf("expired(%d)", *item.NotAfter))
		}
		if item.Reason != nil {
			needFalse := item.Reason.Need != nil && !*item.Reason.Need
			if !needFalse {
				prefixes = append(prefixes, "reason_required")
			}
		}

		if item.AclType != mi.AclType {
			continue
		}

		if !item.Permit() {
			prefixes = append(prefixes, "not permitted")
		}

		if !hostOk(item, mi) {
			continue
		}

		if item.Last != nil && *item.Last {
			prefixes = append(prefixes, "last")
		}

		prefix := strings.Join(prefixes, ", ")
		if prefix != "" {
			if item.AclType != AclList {
				prefix = " " + prefix + " as "
			} else {
				prefix = " " + prefix + " to "
			}
		}

		if lastFile != item.FileName {
			out = append(out, "  in file: "+item.FileName)
			lastFile = item.FileName
		}

		if item.AclType == AclList {
			target := ""
			if item.Target != nil {
				target = *item.Target
			}
			out = append(out, fmt.Sprintf("    %s:%slist: %s", item.Section, prefix, target))
			continue
		}

		out = append(out, fmt.Sprintf("    %s:%s%s (pass=%t,dirs=%s): %s",
			item.Section, prefix, listTarget(item), item.RequirePassword(), listDir(item), listRule(item)))
	}

	return out
}

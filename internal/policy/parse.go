package policy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const maxConfigBytes = 10 * 1024 * 1024

// loadState threads the cumulative byte budget and the set of already
// included files across the whole include/includedir tree, matching
// the original's bytes/ini_list accumulators.
type loadState struct {
	totalBytes int64
	seen       map[string]bool
	strict     bool // FailOnError: an unrecognized key or bad regex aborts the whole load
	faulty     bool
	macroUser  string
	macroHost  string
}

// Load parses path (and any include/includedir directives it contains)
// into an ordered rule vector. name and hostname are substituted for
// %{USER} and %{HOSTNAME} in every regex and exact_* field at compile time, since
// the invoker's identity is already known before the config is ever
// read (spec.md §4.A "Macro substitution").
func Load(path string, name, hostname string, strict bool) ([]Rule, error) {
	st := &loadState{
		seen:      make(map[string]bool),
		strict:    strict,
		macroUser: name,
		macroHost: hostname,
	}
	var rules []Rule
	if err := loadFile(path, &rules, st); err != nil {
		return nil, err
	}
	if st.strict && st.faulty {
		return nil, fmt.Errorf("policy: %s contains errors", path)
	}
	return rules, nil
}

func checkRegularAndPrivate(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("policy: refusing to open non-regular file %s", path)
	}
	if fi.Mode().Perm()&0o022 != 0 {
		return nil, fmt.Errorf("policy: refusing to parse %s: group or other write bit set", path)
	}
	return fi, nil
}

func loadFile(path string, rules *[]Rule, st *loadState) error {
	abs := path
	if st.seen[abs] {
		return fmt.Errorf("policy: already read file %s", abs)
	}
	st.seen[abs] = true

	if _, err := checkRegularAndPrivate(abs); err != nil {
		return err
	}

	if st.totalBytes >= maxConfigBytes {
		return fmt.Errorf("policy: too much config has already been read")
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("policy: could not open %s: %w", abs, err)
	}
	defer f.Close()

	limited := io.LimitReader(f, maxConfigBytes-st.totalBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("policy: could not read %s: %w", abs, err)
	}
	st.totalBytes += int64(len(data))
	if st.totalBytes > maxConfigBytes {
		return fmt.Errorf("policy: too much config has already been read")
	}

	return parseINI(string(data), abs, rules, st)
}

func parseINI(conf, path string, rules *[]Rule, st *loadState) error {
	var (
		section  = "no section defined"
		inSect   = false
		cur      = New()
	)

	flush := func() {
		if cur.Configured {
			cur.compile(st)
			*rules = append(*rules, cur)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(conf))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			section = line[1 : len(line)-1]
			inSect = true
			cur = New()
			cur.Section = section
			cur.FileName = path
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])

		if !inSect && key != "include" && key != "includedir" {
			fmt.Printf("Error parsing %s:%d\n", path, lineNo)
			st.faulty = true
			continue
		}

		if strings.HasPrefix(key, "env_assign.") {
			envName := strings.TrimSpace(key[len("env_assign."):])
			if value != "" {
				if cur.EnvAssign == nil {
					cur.EnvAssign = make(map[string]string)
				}
				if _, exists := cur.EnvAssign[envName]; !exists {
					cur.EnvAssign[envName] = value
				}
			}
			continue
		}

		switch key {
		case "include":
			if !strings.HasPrefix(value, "/") {
				return fmt.Errorf("policy: include should start with / (%s:%d)", path, lineNo)
			}
			if err := loadFile(value, rules, st); err != nil {
				return err
			}
		case "includedir":
			if !strings.HasPrefix(value, "/") {
				return fmt.Errorf("policy: includedir should start with / (%s:%d)", path, lineNo)
			}
			entries, err := os.ReadDir(value)
			if err != nil {
				st.faulty = true
				continue
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, filepath.Join(value, e.Name()))
			}
			sort.Strings(names)
			for _, fn := range names {
				if !canDirInclude(fn) {
					continue
				}
				if err := loadFile(fn, rules, st); err != nil {
					return err
				}
			}
		case "name":
			v := value
			cur.Name = &v
			cur.Configured = true
		case "exact_name":
			v := value
			cur.ExactName = &v
			cur.Configured = true
		case "hostname":
			v := value
			cur.Hostname = &v
			cur.Configured = true
		case "exact_hostname":
			v := value
			cur.ExactHostname = &v
			cur.Configured = true
		case "target":
			v := value
			cur.Target = &v
		case "exact_target":
			v := value
			cur.ExactTarget = &v
		case "target_group":
			v := value
			cur.TargetGroup = &v
		case "exact_target_group":
			v := value
			cur.ExactTargetGroup = &v
		case "permit":
			cur.Permit = boolPtr(value == "true")
		case "require_pass":
			cur.RequirePass = boolPtr(value != "false")
		case "type":
			cur.AclType = ParseAclType(strings.ToLower(value))
		case "group":
			cur.Group = value == "true"
		case "regex", "rule":
			v := value
			cur.RulePattern = &v
		case "exact_regex", "exact_rule":
			v := value
			cur.ExactRule = &v
			cur.Configured = true
		case "notbefore":
			t, err := parseConfigDate(value, false)
			if err != nil {
				st.faulty = true
				continue
			}
			sec := t.Unix()
			cur.NotBefore = &sec
		case "notafter":
			t, err := parseConfigDate(value, true)
			if err != nil {
				st.faulty = true
				continue
			}
			sec := t.Unix()
			cur.NotAfter = &sec
		case "datematch":
			v := value
			cur.DateMatch = &v
		case "dir":
			v := value
			cur.Dir = &v
		case "exact_dir":
			v := value
			cur.ExactDir = &v
		case "permit_env":
			if value != "" {
				v := value
				cur.EnvPermit = &v
			}
		case "exitcmd":
			if value != "" {
				v := value
				cur.ExitCmd = &v
			}
		case "editmode":
			if value != "" {
				if n, err := strconv.ParseUint(strings.TrimLeft(value, "0"), 8, 32); err == nil {
					m := uint32(n)
					cur.EditMode = &EditMode{Mode: &m}
				} else if strings.ToLower(value) == "keep" {
					cur.EditMode = &EditMode{Keep: true}
				} else {
					fmt.Printf("Could not convert %s to numerical file mode\n", value)
					st.faulty = true
				}
			}
		case "reason":
			if value == "true" || value == "false" {
				need := value == "true"
				cur.Reason = &Reason{Need: &need}
			} else {
				v := value
				cur.Reason = &Reason{Text: &v}
			}
		case "last":
			cur.Last = boolPtr(value == "true")
		case "syslog":
			cur.Syslog = boolPtr(value == "true")
		case "timeout":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				st.faulty = true
				continue
			}
			t32 := uint32(n)
			cur.Timeout = &t32
		case "search_path":
			v := value
			cur.SearchPath = &v
		case "token_timeout":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				st.faulty = true
				continue
			}
			cur.TokenTimeout = &n
		default:
			fmt.Printf("Error parsing %s:%d\n", path, lineNo)
			st.faulty = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("policy: scanning %s: %w", path, err)
	}
	flush()
	return nil
}

// parseConfigDate accepts the two fixed-width forms the dialect allows:
// YYYYMMDD (midnight, or end-of-day when end==true) and
// YYYYMMDDHHMMSS.
func parseConfigDate(value string, end bool) (time.Time, error) {
	switch len(value) {
	case 8:
		t, err := time.Parse("20060102", value)
		if err != nil {
			return time.Time{}, err
		}
		if end {
			t = t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		}
		return t.UTC(), nil
	case 14:
		return time.Parse("20060102150405", value)
	default:
		return time.Time{}, fmt.Errorf("policy: bad date %q", value)
	}
}

func canDirInclude(file string) bool {
	fi, err := os.Stat(file)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return canIncludeFilePattern(file)
}

func canIncludeFilePattern(file string) bool {
	ok, _ := doublestar.Match("*.ini", filepath.Base(file))
	if !ok {
		return false
	}
	if strings.HasPrefix(filepath.Base(file), ".") {
		return false
	}
	return true
}

// compile substitutes %{USER} and %{HOSTNAME} in every exact_* field,
// then builds every regex field once with the same substitution,
// wrapping each pattern as ^(?:pattern)$ so a rule author writing
// "bash" means exactly "bash", not "contains bash" (spec.md §4.A
// "Pattern anchoring").
func (r *Rule) compile(st *loadState) {
	expand := func(s string) string {
		s = strings.ReplaceAll(s, "%{USER}", st.macroUser)
		return strings.ReplaceAll(s, "%{HOSTNAME}", st.macroHost)
	}
	for _, p := range []**string{&r.ExactName, &r.ExactHostname, &r.ExactTarget, &r.ExactTargetGroup, &r.ExactDir, &r.ExactRule} {
		if *p != nil {
			v := expand(**p)
			*p = &v
		}
	}

	build := func(pattern *string) *regexp.Regexp {
		if pattern == nil {
			return nil
		}
		expanded := expand(*pattern)
		re, err := regexp.Compile("^(?:" + expanded + ")$")
		if err != nil {
			r.regexErrs = append(r.regexErrs, err)
			st.faulty = true
			return nil
		}
		return re
	}

	r.nameRe = build(r.Name)
	r.hostnameRe = build(r.Hostname)
	r.targetRe = build(r.Target)
	r.targetGroupRe = build(r.TargetGroup)
	r.dirRe = build(r.Dir)
	r.ruleRe = build(r.RulePattern)
	r.dateMatchRe = build(r.DateMatch)
	r.envPermitRe = build(r.EnvPermit)

	if r.Reason != nil && r.Reason.Text != nil {
		re, err := regexp.Compile("^(?:" + *r.Reason.Text + ")$")
		if err == nil {
			r.Reason.re = re
		} else {
			st.faulty = true
		}
	}
}

// Package pathfilter implements the ordered allow/deny rule language used
// to decide whether a path is captured by a backup item:
//
//	<sign><kind><space><pattern>
//
// sign ∈ {+,-} (allow/deny), kind ∈ {*,~} (glob/regex). One rule per
// non-blank, non-'#' line. The first rule whose pattern matches a path
// wins; if nothing matches, the path is allowed.
package pathfilter

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Decision is the outcome of checking one path against a Filter.
type Decision int

const (
	Allow Decision = iota
	Deny
)

type rule struct {
	decision Decision
	raw      string
	glob     string         // set when this rule is a glob rule
	re       *regexp.Regexp // set when this rule is a regex rule
}

// Filter is a compiled, ordered rule list.
type Filter struct {
	rules []rule
}

// Parse compiles a filter spec, one rule per non-blank, non-comment line.
func Parse(spec string) (*Filter, error) {
	var rules []rule
	for lineNo, line := range strings.Split(spec, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		r, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("pathfilter: line %d: %w", lineNo+1, err)
		}
		rules = append(rules, r)
	}
	return &Filter{rules: rules}, nil
}

func parseRule(line string) (rule, error) {
	if len(line) < 3 {
		return rule{}, fmt.Errorf("malformed rule %q: too short", line)
	}

	var decision Decision
	switch line[0] {
	case '+':
		decision = Allow
	case '-':
		decision = Deny
	default:
		return rule{}, fmt.Errorf("malformed rule %q: sign must be + or -", line)
	}

	kind := line[1]
	if line[2] != ' ' {
		return rule{}, fmt.Errorf("malformed rule %q: kind must be followed by a single space", line)
	}
	pattern := rtrimUnescaped(line[3:])

	switch kind {
	case '*':
		glob := unescapeGlob(pattern)
		if _, err := path.Match(glob, ""); err != nil {
			return rule{}, fmt.Errorf("malformed glob %q: %w", pattern, err)
		}
		return rule{decision: decision, raw: line, glob: glob}, nil
	case '~':
		re, err := regexp.Compile(pattern)
		if err != nil {
			return rule{}, fmt.Errorf("malformed regex %q: %w", pattern, err)
		}
		return rule{decision: decision, raw: line, re: re}, nil
	default:
		return rule{}, fmt.Errorf("malformed rule %q: kind must be * or ~", line)
	}
}

// rtrimUnescaped trims trailing whitespace unless the last whitespace run
// is itself preceded by a backslash escape.
func rtrimUnescaped(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		if last != ' ' && last != '\t' {
			break
		}
		if len(s) >= 2 && s[len(s)-2] == '\\' {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// unescapeGlob resolves \t, \n, \r, \  escapes before compilation; '*'
// never crosses a '/' (path.Match's native semantics already hold to that).
func unescapeGlob(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			switch pattern[i+1] {
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case ' ':
				b.WriteByte(' ')
				i++
				continue
			}
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

// Check returns the decision for relativePath: the first matching rule's
// sign, or Allow if nothing matches.
func (f *Filter) Check(relativePath string) Decision {
	slashed := filepathToSlash(relativePath)
	for _, r := range f.rules {
		if r.glob != "" {
			if ok, _ := path.Match(r.glob, slashed); ok {
				return r.decision
			}
			continue
		}
		if r.re.MatchString(slashed) {
			return r.decision
		}
	}
	return Allow
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

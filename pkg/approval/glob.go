package approval

import (
	"fmt"
	"regexp"
	"strings"
)

// globList matches shell-style patterns: '*', '?', '[seq]' and '[!seq]'.
// Matching is case-sensitive, anchored, and '*' also matches '/'.
type globList struct {
	patterns []string
	compiled []*regexp.Regexp
}

func newGlobList(patterns []string) (*globList, error) {
	g := &globList{}
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		re, err := compileGlob(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, p)
		g.compiled = append(g.compiled, re)
	}
	return g, nil
}

// match returns the first pattern that matches s.
func (g *globList) match(s string) (string, bool) {
	for i, re := range g.compiled {
		if re.MatchString(s) {
			return g.patterns[i], true
		}
	}
	return "", false
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
			i++
		case '?':
			b.WriteString(`.`)
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				// An unterminated class is a literal bracket.
				b.WriteString(`\[`)
				i++
				continue
			}
			b.WriteString(globClass(pattern[i+1 : j]))
			i = j + 1
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

func globClass(body string) string {
	negate := strings.HasPrefix(body, "!")
	if negate {
		body = body[1:]
	}
	body = strings.ReplaceAll(body, `\`, `\\`)
	// A bare '[' is a member, never the start of a POSIX class.
	body = strings.ReplaceAll(body, `[`, `\[`)
	if strings.HasPrefix(body, "^") {
		body = `\` + body
	}
	if negate {
		body = "^" + body
	}
	return "[" + body + "]"
}

package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/migadu/bouncer/consts"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CompiledRule is a rule with its patterns compiled once. A rule whose
// pattern failed to compile keeps Err set and never matches.
type CompiledRule struct {
	Rule
	Action Action
	Err    error

	literal *regexp.Regexp
	raw     *regexp.Regexp
}

// Matches reports whether either pattern variant matches text.
func (c *CompiledRule) Matches(text string) bool {
	if c.Err != nil {
		return false
	}
	return c.literal.MatchString(text) || c.raw.MatchString(text)
}

// RuleSet is an ordered list of compiled rules evaluated first-match-wins.
type RuleSet struct {
	rules []*CompiledRule
}

// Compile builds a rule set from stored rules. Rules with an empty id,
// pattern or action, or an action outside the vocabulary, are left out.
// The rest are ordered by list order, then id.
func Compile(stored []Rule) *RuleSet {
	set := &RuleSet{}
	for _, r := range stored {
		if r.ID == 0 || strings.TrimSpace(r.Pattern) == "" || strings.TrimSpace(r.Action) == "" {
			continue
		}
		action, err := ParseAction(r.Action)
		if err != nil {
			continue
		}
		set.rules = append(set.rules, compileRule(r, action))
	}

	sort.SliceStable(set.rules, func(i, j int) bool {
		if set.rules[i].ListOrder != set.rules[j].ListOrder {
			return set.rules[i].ListOrder < set.rules[j].ListOrder
		}
		return set.rules[i].ID < set.rules[j].ID
	})
	return set
}

func compileRule(r Rule, action Action) *CompiledRule {
	c := &CompiledRule{Rule: r, Action: action}

	raw, err := regexp.Compile("(?ims)" + normalizeWhitespace(r.Pattern))
	if err != nil {
		c.Err = fmt.Errorf("%w: rule %d: %v", consts.ErrInvalidPattern, r.ID, err)
		return c
	}
	literal, err := regexp.Compile("(?ims)" + literalPattern(r.Pattern))
	if err != nil {
		c.Err = fmt.Errorf("%w: rule %d: %v", consts.ErrInvalidPattern, r.ID, err)
		return c
	}

	c.raw = raw
	c.literal = literal
	return c
}

// literalPattern quotes every non-blank run of the pattern and joins the
// runs with a flexible whitespace matcher.
func literalPattern(pattern string) string {
	fields := strings.Fields(pattern)
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	return strings.Join(fields, `\s+`)
}

func normalizeWhitespace(pattern string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(pattern), `\s+`)
}

// Match returns the first rule matching text, or nil.
func (s *RuleSet) Match(text string) *CompiledRule {
	for _, r := range s.rules {
		if r.Matches(text) {
			return r
		}
	}
	return nil
}

// Rules returns the compiled rules in evaluation order.
func (s *RuleSet) Rules() []*CompiledRule {
	return s.rules
}

// Len returns the number of rules in the set, including ones that never match.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Invalid returns the rules whose pattern failed to compile.
func (s *RuleSet) Invalid() []*CompiledRule {
	var out []*CompiledRule
	for _, r := range s.rules {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

package imcurate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Evaluator decides keep (true) or drop (false) for one row. An evaluator
// belongs to a single sequential pass and is not safe for concurrent use.
type Evaluator func(Row) bool

// Rule is a configured predicate over metadata columns.
type Rule interface {
	Name() string
	// Requires lists the columns the predicate reads. ColPath is always present.
	Requires() []string
	// NewEvaluator returns a predicate with fresh per-pass state.
	NewEvaluator() Evaluator
}

// Chain is an ordered, validated rule list.
type Chain struct {
	rules []Rule
}

// NewChain checks that every column a rule reads is filled by one of
// available. Rules keep the given order.
func NewChain(rules []Rule, available []Column) (*Chain, error) {
	have := map[string]bool{ColPath: true, ColChecked: true}
	for _, c := range available {
		have[c.Name] = true
	}
	for _, r := range rules {
		for _, col := range r.Requires() {
			if !have[col] {
				return nil, configErr("rule %s requires column %q but no selected producer fills it", r.Name(), col)
			}
		}
	}
	return &Chain{rules: append([]Rule(nil), rules...)}, nil
}

// Len returns the number of rules.
func (c *Chain) Len() int { return len(c.rules) }

// GroupRule is a Rule that decides over every row reaching it at once.
type GroupRule interface {
	Rule
	// Select reports keep (true) or drop per row. rows keep the pass order.
	Select(rows []Row) []bool
}

// Verdict is the outcome of a chain evaluation for one row.
type Verdict struct {
	Accepted bool
	Rule     string // rejecting rule; empty when accepted
}

// Evaluate runs one sequential pass over rows and returns a verdict per row.
// Rules run in order and each sees only the rows every earlier rule kept, in
// their original order, so a row stops at the first rule that drops it.
// Stateful rules (total, hash) accumulate inside the pass and forget
// everything when it ends.
func (c *Chain) Evaluate(rows []Row) ([]Verdict, error) {
	verdicts := make([]Verdict, len(rows))
	alive := make([]int, len(rows))
	for i := range rows {
		alive[i] = i
	}
	for _, r := range c.rules {
		if len(alive) == 0 {
			break
		}
		for _, i := range alive {
			for _, col := range r.Requires() {
				if !rows[i].Has(col) {
					return nil, fmt.Errorf("%w: rule %s needs %q on %s", ErrMissingColumn, r.Name(), col, rows[i].Path())
				}
			}
		}

		var keep []bool
		if g, ok := r.(GroupRule); ok {
			group := make([]Row, len(alive))
			for j, i := range alive {
				group[j] = rows[i]
			}
			keep = g.Select(group)
		} else {
			eval := r.NewEvaluator()
			keep = make([]bool, len(alive))
			for j, i := range alive {
				keep[j] = eval(rows[i])
			}
		}

		next := alive[:0]
		for j, i := range alive {
			if keep[j] {
				next = append(next, i)
			} else {
				verdicts[i].Rule = r.Name()
			}
		}
		alive = next
	}
	for _, i := range alive {
		verdicts[i].Accepted = true
	}
	return verdicts, nil
}

// yearOnly matches bare years, which dateparse reads as other formats.
var yearOnly = regexp.MustCompile(`^\d{4}$`)

// parseBound reads a TimeRule bound in local time. Besides bare years it
// accepts anything dateparse recognizes ("2006-01-02", "2006-01",
// "oct 7, 1970", RFC 3339 and so on).
func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if yearOnly.MatchString(s) {
		return time.ParseInLocation("2006", s, time.Local)
	}
	t, err := dateparse.ParseIn(s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q: %w", s, err)
	}
	return t, nil
}

// TimeRuleOptions is the JSON form of TimeRule.
type TimeRuleOptions struct {
	After  string `json:"after"`
	Before string `json:"before"`
}

// TimeRule accepts files whose mtime lies in [After, Before].
type TimeRule struct {
	After, Before time.Time
}

// NewTimeRule parses the bounds.
func NewTimeRule(opts TimeRuleOptions) (TimeRule, error) {
	after, err := parseBound(opts.After)
	if err != nil {
		return TimeRule{}, configErr("time rule after: %v", err)
	}
	before, err := parseBound(opts.Before)
	if err != nil {
		return TimeRule{}, configErr("time rule before: %v", err)
	}
	if after.After(before) {
		return TimeRule{}, configErr("time rule: after %s is later than before %s", opts.After, opts.Before)
	}
	return TimeRule{After: after, Before: before}, nil
}

func (TimeRule) Name() string       { return "time" }
func (TimeRule) Requires() []string { return []string{"mtime"} }

func (r TimeRule) NewEvaluator() Evaluator {
	return func(row Row) bool {
		t, _ := row.Time("mtime")
		return !t.Before(r.After) && !t.After(r.Before)
	}
}

// IconPatterns are file name substrings of UI artwork rather than photos.
var IconPatterns = []string{
	"favicon", "logo", "icon", "banner", "sprite",
	"badge", "button", "widget", "avatar",
}

// isIconName checks a base file name against IconPatterns, ignoring case.
func isIconName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range IconPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ListRule filters by path substrings. SkipIcons also rejects files whose
// name matches IconPatterns.
type ListRule struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
	SkipIcons bool     `json:"skip_icons,omitempty"`
}

func (r ListRule) validate() error {
	if len(r.Whitelist) == 0 && len(r.Blacklist) == 0 && !r.SkipIcons {
		return configErr("blackwhitelist rule needs a whitelist, a blacklist or skip_icons")
	}
	return nil
}

func (ListRule) Name() string       { return "blackwhitelist" }
func (ListRule) Requires() []string { return nil }

func (r ListRule) NewEvaluator() Evaluator {
	return func(row Row) bool {
		p := row.Path()
		if r.SkipIcons && isIconName(filepath.Base(p)) {
			return false
		}
		for _, b := range r.Blacklist {
			if strings.Contains(p, b) {
				return false
			}
		}
		if len(r.Whitelist) == 0 {
			return true
		}
		for _, w := range r.Whitelist {
			if strings.Contains(p, w) {
				return true
			}
		}
		return false
	}
}

// MaxTotalLimit bounds TotalRule.Limit.
const MaxTotalLimit = 1_000_000_000

// TotalRule accepts the first Limit rows that reach it within a pass. A
// zero limit accepts nothing.
type TotalRule struct {
	Limit int `json:"limit"`
}

func (r TotalRule) validate() error {
	if r.Limit < 0 || r.Limit > MaxTotalLimit {
		return configErr("total rule limit %d outside [0, %d]", r.Limit, MaxTotalLimit)
	}
	return nil
}

func (TotalRule) Name() string       { return "total" }
func (TotalRule) Requires() []string { return nil }

func (r TotalRule) NewEvaluator() Evaluator {
	count := 0
	return func(Row) bool {
		if count >= r.Limit {
			return false
		}
		count++
		return true
	}
}

// ResolutionRule bounds the image sides. The smallest side must be at least
// MinRes and the largest at most MaxRes (0 = unbounded). With Crop, sides are
// first rounded down to a multiple of Scale, matching what a later crop
// filter will produce.
type ResolutionRule struct {
	MinRes int  `json:"min_res"`
	MaxRes int  `json:"max_res"`
	Crop   bool `json:"crop"`
	Scale  int  `json:"scale"`
}

func (r ResolutionRule) validate() error {
	switch {
	case r.MinRes < 0 || r.MaxRes < 0:
		return configErr("resolution bounds must be non-negative")
	case r.MaxRes > 0 && r.MinRes > r.MaxRes:
		return configErr("resolution min_res %d exceeds max_res %d", r.MinRes, r.MaxRes)
	case r.Crop && r.Scale < 1:
		return configErr("resolution scale must be at least 1 when crop is set")
	}
	return nil
}

func (ResolutionRule) Name() string       { return "resolution" }
func (ResolutionRule) Requires() []string { return []string{"width", "height"} }

func (r ResolutionRule) NewEvaluator() Evaluator {
	return func(row Row) bool {
		w, _ := row.Int("width")
		h, _ := row.Int("height")
		if r.Crop && r.Scale > 1 {
			s := int64(r.Scale)
			w, h = w/s*s, h/s*s
		}
		if min(w, h) < int64(r.MinRes) {
			return false
		}
		return r.MaxRes == 0 || max(w, h) <= int64(r.MaxRes)
	}
}

// ChannelRule bounds the channel count, inclusive.
type ChannelRule struct {
	MinChannels int `json:"min_channels"`
	MaxChannels int `json:"max_channels"`
}

func (r ChannelRule) validate() error {
	if r.MinChannels < 1 || r.MaxChannels < r.MinChannels {
		return configErr("channels range [%d, %d] is invalid", r.MinChannels, r.MaxChannels)
	}
	return nil
}

func (ChannelRule) Name() string       { return "channels" }
func (ChannelRule) Requires() []string { return []string{"channels"} }

func (r ChannelRule) NewEvaluator() Evaluator {
	return func(row Row) bool {
		c, _ := row.Int("channels")
		return c >= int64(r.MinChannels) && c <= int64(r.MaxChannels)
	}
}

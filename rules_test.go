package imcurate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/corona10/goimagehash"
)

func mustRule(t *testing.T, name, data string) Rule {
	t.Helper()
	r, err := build("rule", Rules, name, json.RawMessage(data))
	if err != nil {
		t.Fatalf("rule %s %s: %v", name, data, err)
	}
	return r
}

func TestRulePredicates(t *testing.T) {
	t.Parallel()

	mtime := func(s string) Row {
		tm, _ := time.ParseInLocation("2006-01-02", s, time.Local)
		return Row{ColPath: "/x.png", "mtime": tm}
	}
	size := func(w, h int64) Row { return Row{ColPath: "/x.png", "width": w, "height": h} }

	tests := []struct {
		name string
		rule string
		data string
		row  Row
		want bool
	}{
		{name: "time inside", rule: "time", data: `{"after":"2020","before":"2022"}`, row: mtime("2021-06-01"), want: true},
		{name: "time lower bound inclusive", rule: "time", data: `{"after":"2020-01-01","before":"2022"}`, row: mtime("2020-01-01"), want: true},
		{name: "time too old", rule: "time", data: `{"after":"2020","before":"2022"}`, row: mtime("2019-12-31"), want: false},
		{name: "time too new", rule: "time", data: `{"after":"2020","before":"2022"}`, row: mtime("2022-01-02"), want: false},
		{name: "time month bounds", rule: "time", data: `{"after":"2021-06","before":"2021-07"}`, row: mtime("2021-06-15"), want: true},
		{name: "time free-form bounds", rule: "time", data: `{"after":"oct 7, 1970","before":"2012/03/19 10:11:59"}`, row: mtime("2000-01-01"), want: true},
		{name: "time free-form upper bound", rule: "time", data: `{"after":"oct 7, 1970","before":"2012/03/19 10:11:59"}`, row: mtime("2013-01-01"), want: false},

		{name: "whitelist hit", rule: "blackwhitelist", data: `{"whitelist":["/keep/"]}`, row: Row{ColPath: "/a/keep/x.png"}, want: true},
		{name: "whitelist miss", rule: "blackwhitelist", data: `{"whitelist":["/keep/"]}`, row: Row{ColPath: "/a/other/x.png"}, want: false},
		{name: "blacklist hit", rule: "blackwhitelist", data: `{"blacklist":["thumb"]}`, row: Row{ColPath: "/a/thumb_x.png"}, want: false},
		{name: "skip icons", rule: "blackwhitelist", data: `{"skip_icons":true}`, row: Row{ColPath: "/a/site_Logo_small.png"}, want: false},
		{name: "skip icons matches name only", rule: "blackwhitelist", data: `{"skip_icons":true}`, row: Row{ColPath: "/icons/photo.png"}, want: true},
		{name: "blacklist beats whitelist", rule: "blackwhitelist", data: `{"whitelist":["/a/"],"blacklist":["thumb"]}`, row: Row{ColPath: "/a/thumb.png"}, want: false},

		{name: "resolution inside", rule: "resolution", data: `{"min_res":100,"max_res":1000}`, row: size(200, 200), want: true},
		{name: "resolution min inclusive", rule: "resolution", data: `{"min_res":100,"max_res":1000}`, row: size(100, 1000), want: true},
		{name: "resolution too small", rule: "resolution", data: `{"min_res":100,"max_res":1000}`, row: size(50, 500), want: false},
		{name: "resolution too large", rule: "resolution", data: `{"min_res":100,"max_res":1000}`, row: size(200, 4000), want: false},
		{name: "resolution unbounded max", rule: "resolution", data: `{"min_res":100,"max_res":0}`, row: size(200, 40000), want: true},
		{name: "resolution crop rounds down", rule: "resolution", data: `{"min_res":100,"max_res":0,"crop":true,"scale":8}`, row: size(103, 500), want: false},

		{name: "channels inside", rule: "channels", data: `{"min_channels":3,"max_channels":3}`, row: Row{"channels": int64(3)}, want: true},
		{name: "channels alpha rejected", rule: "channels", data: `{"min_channels":3,"max_channels":3}`, row: Row{"channels": int64(4)}, want: false},

		{name: "license stock blocked", rule: "license", data: `{}`, row: Row{"copyright": "Getty Images", "creator": "", "license": ""}, want: false},
		{name: "license unknown allowed", rule: "license", data: `{}`, row: Row{"copyright": "", "creator": "Jane", "license": ""}, want: true},
		{name: "license require cc", rule: "license", data: `{"require_cc":true}`, row: Row{"copyright": "", "creator": "Jane", "license": ""}, want: false},
		{name: "license cc accepted", rule: "license", data: `{"require_cc":true}`, row: Row{"copyright": "", "creator": "Jane", "license": "https://creativecommons.org/licenses/by/4.0/"}, want: true},
		{name: "license extra blocked", rule: "license", data: `{"extra_blocked":["acme photo"]}`, row: Row{"copyright": "ACME Photo Ltd", "creator": "", "license": ""}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := mustRule(t, tc.rule, tc.data)
			if got := r.NewEvaluator()(tc.row); got != tc.want {
				t.Errorf("%s(%v) = %v, want %v", tc.rule, tc.row, got, tc.want)
			}
		})
	}
}

func TestRuleConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rule string
		data string
	}{
		{rule: "time", data: `{"after":"2022","before":"2020"}`},
		{rule: "time", data: `{"after":"yesterday"}`},
		{rule: "blackwhitelist", data: `{}`},
		{rule: "total", data: `{"limit":-1}`},
		{rule: "total", data: `{"limit":2000000000}`},
		{rule: "resolution", data: `{"min_res":500,"max_res":100}`},
		{rule: "channels", data: `{"min_channels":4,"max_channels":3}`},
		{rule: "hash", data: `{"threshold":-1}`},
		{rule: "hash", data: `{"treshold":3}`},
		{rule: "hash", data: `{"resolver":"no such column"}`},
		{rule: "hash", data: `{"resolver":"hash"}`},
		{rule: "nope", data: `{}`},
	}

	for _, tc := range tests {
		t.Run(tc.rule+tc.data, func(t *testing.T) {
			t.Parallel()
			if _, err := build("rule", Rules, tc.rule, json.RawMessage(tc.data)); !errors.Is(err, ErrConfig) {
				t.Errorf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestTotalRuleCapsAcceptedRows(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ limit, rows, passPrior, want int }{
		{limit: 5, rows: 20, passPrior: 20, want: 5},
		{limit: 5, rows: 20, passPrior: 3, want: 3},
		{limit: 1000, rows: 10, passPrior: 10, want: 10},
		{limit: 0, rows: 10, passPrior: 10, want: 0},
	} {
		t.Run(fmt.Sprintf("limit %d prior %d", tc.limit, tc.passPrior), func(t *testing.T) {
			t.Parallel()
			rules := []Rule{
				ListRule{Whitelist: []string{"/keep/"}},
				TotalRule{Limit: tc.limit},
			}
			chain, err := NewChain(rules, nil)
			if err != nil {
				t.Fatal(err)
			}
			var rows []Row
			for i := range tc.rows {
				dir := "/drop/"
				if i < tc.passPrior {
					dir = "/keep/"
				}
				rows = append(rows, Row{ColPath: fmt.Sprintf("%s%d.png", dir, i)})
			}
			verdicts, err := chain.Evaluate(rows)
			if err != nil {
				t.Fatal(err)
			}
			accepted := 0
			for _, v := range verdicts {
				if v.Accepted {
					accepted++
				}
			}
			if accepted != tc.want {
				t.Errorf("accepted = %d, want %d", accepted, tc.want)
			}
			// A new pass starts from zero.
			if tc.limit > 0 {
				if v, _ := chain.Evaluate([]Row{{ColPath: "/keep/again.png"}}); !v[0].Accepted {
					t.Error("counter leaked across passes")
				}
			}
		})
	}
}

func TestStatelessRuleOrderDoesNotMatter(t *testing.T) {
	t.Parallel()
	res := ResolutionRule{MinRes: 100, MaxRes: 1000}
	ch := ChannelRule{MinChannels: 3, MaxChannels: 3}
	list := ListRule{Blacklist: []string{"bad"}}
	cols := []Column{{Name: "width"}, {Name: "height"}, {Name: "channels"}}

	var rows []Row
	for i, w := range []int64{50, 200, 999, 1001, 400} {
		for _, c := range []int64{1, 3, 4} {
			p := fmt.Sprintf("/img/%d-%d.png", i, c)
			if c == 4 {
				p = "/bad" + p
			}
			rows = append(rows, Row{ColPath: p, "width": w, "height": w / 2 * 3, "channels": c})
		}
	}

	outcome := func(rules ...Rule) []bool {
		chain, err := NewChain(rules, cols)
		if err != nil {
			t.Fatal(err)
		}
		verdicts, err := chain.Evaluate(rows)
		if err != nil {
			t.Fatal(err)
		}
		var out []bool
		for _, v := range verdicts {
			out = append(out, v.Accepted)
		}
		return out
	}

	base := outcome(res, ch, list)
	for _, order := range [][]Rule{{ch, res, list}, {list, ch, res}, {res, list, ch}} {
		got := outcome(order...)
		for i := range base {
			if got[i] != base[i] {
				t.Fatalf("row %v: %v vs %v", rows[i], got[i], base[i])
			}
		}
	}
}

func TestDedupRule(t *testing.T) {
	t.Parallel()

	h1 := goimagehash.NewImageHash(0b1111_0000, goimagehash.AHash).ToString()
	h2 := goimagehash.NewImageHash(0b1111_0001, goimagehash.AHash).ToString() // distance 1 from h1
	h3 := goimagehash.NewImageHash(0xffff_0000_ffff, goimagehash.AHash).ToString()

	tests := []struct {
		name      string
		threshold int
		hashes    []string
		want      []bool
	}{
		{name: "exact", threshold: 0, hashes: []string{h1, h2, h1, h3}, want: []bool{true, true, false, true}},
		{name: "similar", threshold: 2, hashes: []string{h1, h2, h1, h3}, want: []bool{true, false, false, true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			eval := DedupRule{Threshold: tc.threshold}.NewEvaluator()
			for i, h := range tc.hashes {
				if got := eval(Row{"hash": h}); got != tc.want[i] {
					t.Errorf("hash %d: got %v, want %v", i, got, tc.want[i])
				}
			}
		})
	}
}

func TestDedupResolver(t *testing.T) {
	t.Parallel()

	h1 := goimagehash.NewImageHash(0b1111_0000, goimagehash.AHash).ToString()
	h2 := goimagehash.NewImageHash(0b1111_0001, goimagehash.AHash).ToString()
	h3 := goimagehash.NewImageHash(0xffff_0000_ffff, goimagehash.AHash).ToString()
	row := func(h string, w int64) Row { return Row{"hash": h, "width": w} }
	rows := []Row{row(h1, 100), row(h3, 50), row(h1, 400), row(h2, 400), row(h1, 200)}

	tests := []struct {
		name string
		rule DedupRule
		want []bool
	}{
		{name: "first", rule: DedupRule{}, want: []bool{true, true, false, true, false}},
		{name: "larger duplicate wins", rule: DedupRule{Resolver: "width"}, want: []bool{false, true, true, true, false}},
		{name: "ties all kept", rule: DedupRule{Threshold: 2, Resolver: "width"}, want: []bool{false, true, true, true, false}},
		{name: "ignore all", rule: DedupRule{Resolver: ResolveIgnoreAll}, want: []bool{false, true, false, true, false}},
		{name: "ignore all similar", rule: DedupRule{Threshold: 2, Resolver: ResolveIgnoreAll}, want: []bool{false, true, false, false, false}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rule.Select(rows); !slices.Equal(got, tc.want) {
				t.Errorf("Select = %v, want %v", got, tc.want)
			}
		})
	}

	if got := (DedupRule{Resolver: "width"}).Requires(); !slices.Equal(got, []string{"hash", "width"}) {
		t.Errorf("Requires = %v", got)
	}
	if _, err := NewChain([]Rule{DedupRule{Resolver: "width"}}, []Column{{Name: "hash"}}); !errors.Is(err, ErrConfig) {
		t.Errorf("resolver column without producer: err = %v, want ErrConfig", err)
	}
}

func TestChainGroupRuleSeesSurvivorsOnly(t *testing.T) {
	t.Parallel()
	h := goimagehash.NewImageHash(0b1010, goimagehash.AHash).ToString()
	chain, err := NewChain([]Rule{
		ListRule{Blacklist: []string{"/bad/"}},
		DedupRule{Resolver: "width"},
	}, []Column{{Name: "hash"}, {Name: "width"}})
	if err != nil {
		t.Fatal(err)
	}
	verdicts, err := chain.Evaluate([]Row{
		{ColPath: "/bad/big.png", "hash": h, "width": int64(900)},
		{ColPath: "/ok/small.png", "hash": h, "width": int64(10)},
		{ColPath: "/ok/mid.png", "hash": h, "width": int64(20)},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []Verdict{{Rule: "blackwhitelist"}, {Rule: "hash"}, {Accepted: true}}
	if !slices.Equal(verdicts, want) {
		t.Errorf("verdicts = %+v, want %+v", verdicts, want)
	}
}

func TestChainMissingColumn(t *testing.T) {
	t.Parallel()

	if _, err := NewChain([]Rule{ResolutionRule{}}, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("NewChain without producer: err = %v, want ErrConfig", err)
	}

	chain, err := NewChain([]Rule{ResolutionRule{MinRes: 1}}, []Column{{Name: "width"}, {Name: "height"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = chain.Evaluate([]Row{{ColPath: "/a.png", "width": int64(10)}})
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("Evaluate: err = %v, want ErrMissingColumn", err)
	}
}

func TestChainReportsRejectingRule(t *testing.T) {
	t.Parallel()
	chain, err := NewChain([]Rule{TotalRule{Limit: 1}, ListRule{Blacklist: []string{"x"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	verdicts, err := chain.Evaluate([]Row{{ColPath: "/x.png"}, {ColPath: "/y.png"}})
	if err != nil {
		t.Fatal(err)
	}
	if v := verdicts[0]; v.Accepted || v.Rule != "blackwhitelist" {
		t.Errorf("first = %+v", v)
	}
	if v := verdicts[1]; v.Accepted || v.Rule != "total" {
		t.Errorf("second = %+v", v)
	}
}

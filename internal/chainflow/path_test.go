package chainflow

import (
	"reflect"
	"testing"
)

func TestSplitChain(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"DIRECT", []string{"DIRECT"}},
		{"HK-01 > Proxy > Rules", []string{"HK-01", "Proxy", "Rules"}},
		{"YouTube|Media > Manual|Select", []string{"YouTube|Media", "Manual|Select"}},
		{" > Proxy > ", []string{"Proxy"}},
	}
	for _, tc := range cases {
		got := SplitChain(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitChain(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFlowPathRuleInChain(t *testing.T) {
	// Chain is terminal-first; the path comes back rule-first.
	got := FlowPath("Rules", "HK-01 > Proxy > Rules", nil)
	want := []string{"Rules", "Proxy", "HK-01"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlowPath = %v, want %v", got, want)
	}
}

func TestFlowPathRuleAbsentPrependsRule(t *testing.T) {
	got := FlowPath("RULE-SET", "YouTube|Media > Manual|Select > JP-Sakura|IEPL", nil)
	want := []string{"RULE-SET", "JP-Sakura|IEPL", "Manual|Select", "YouTube|Media"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlowPath = %v, want %v", got, want)
	}
	// The pipe is node-name content, never a delimiter.
	for _, seg := range got[1:] {
		if seg == "" {
			t.Errorf("empty segment in %v", got)
		}
	}
}

func TestFlowPathEmptyChain(t *testing.T) {
	if got := FlowPath("Match", "", nil); got != nil {
		t.Errorf("FlowPath on empty chain = %v, want nil", got)
	}
}

func TestFlowPathNormalizedRuleMatch(t *testing.T) {
	// The chain carries a cosmetic emoji prefix on the rule-side label.
	got := FlowPath("Media", "US-02 > \U0001F3AC Media", nil)
	want := []string{"\U0001F3AC Media", "US-02"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlowPath = %v, want %v", got, want)
	}
}

func TestFlowPathEnrichesShortChain(t *testing.T) {
	// A collapsed two-hop chain, with the policy graph showing Rules
	// currently selecting Proxy and Proxy selecting HK-01.
	policies := map[string]string{
		"Proxy": "HK-01",
		"Rules": "Proxy",
	}
	got := FlowPath("Rules", "HK-01 > Proxy", policies)
	want := []string{"Rules", "Proxy", "HK-01"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlowPath = %v, want %v", got, want)
	}
}

func TestEnrichIsDeterministicAndBounded(t *testing.T) {
	// Two policies both select the same hop; the lexicographically lowest
	// name must win every time.
	policies := map[string]string{
		"B-Group": "HK-01",
		"A-Group": "HK-01",
	}
	for i := 0; i < 20; i++ {
		got := FlowPath("A-Group", "HK-01", policies)
		want := []string{"A-Group", "HK-01"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: FlowPath = %v, want %v", i, got, want)
		}
	}

	// A policy cycle terminates at the step cap instead of hanging.
	cyclic := map[string]string{
		"A": "B",
		"B": "A",
	}
	segs, _ := enrich([]string{"B"}, cyclic)
	if len(segs) > 1+maxEnrichSteps {
		t.Errorf("cyclic enrichment produced %d segments", len(segs))
	}
}

func TestNormalizeLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Media", "media"},
		{"\U0001F3AC  Media", "media"},
		{"  Proxy  Group ", "proxy group"},
		{"ＨＫ", "hk"}, // fullwidth letters fold via NFKC
	}
	for _, tc := range cases {
		if got := normalizeLabel(tc.in); got != tc.want {
			t.Errorf("normalizeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

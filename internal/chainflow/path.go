package chainflow

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// Chains with fewer segments than this are considered collapsed and are
	// candidates for policy-graph enrichment.
	shortChainThreshold = 3

	// Hard cap on backward policy-graph walks, so a cyclic or malformed
	// policy config degrades to a partial enrichment instead of a hang.
	maxEnrichSteps = 10
)

// SplitChain splits a raw chain string on the '>' delimiter and trims each
// segment. Segment names may legitimately contain '|' runes; those survive
// the split intact.
func SplitChain(chain string) []string {
	if chain == "" {
		return nil
	}
	parts := strings.Split(chain, ">")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// FlowPath reconstructs the rule-first routing path for one (rule, chain)
// row. The raw chain stores its segments terminal-first, so the result is a
// reversal of the relevant prefix. When the chain is short and a policy
// "now" map is supplied, the missing policy-group hops are recovered by
// walking the policy graph backwards. Every non-empty result starts with the
// rule name, even when the upstream data is incomplete.
func FlowPath(rule, chain string, policies map[string]string) []string {
	segs := SplitChain(chain)
	if len(segs) == 0 {
		return nil
	}

	enriched := false
	if len(policies) > 0 && len(segs) < shortChainThreshold {
		segs, enriched = enrich(segs, policies)
	}

	// Locate the rule within the (possibly enriched) segments: exact match
	// first, then tolerant of cosmetic label prefixes.
	ruleIdx := -1
	for i, seg := range segs {
		if seg == rule {
			ruleIdx = i
			break
		}
	}
	if ruleIdx < 0 {
		want := normalizeLabel(rule)
		for i, seg := range segs {
			if normalizeLabel(seg) == want {
				ruleIdx = i
				break
			}
		}
	}

	if ruleIdx >= 0 {
		return reversed(segs[:ruleIdx+1])
	}
	if enriched {
		path := reversed(segs)
		if normalizeLabel(path[0]) == normalizeLabel(rule) {
			return path
		}
		return append([]string{rule}, path...)
	}
	return append([]string{rule}, reversed(segs)...)
}

// enrich walks the policy graph backwards from the chain's rule-side end:
// any policy whose current selection ("now") points at the present segment
// is the next hop toward the rule. The walk is bounded by a visited set and
// a step cap.
func enrich(segs []string, policies map[string]string) ([]string, bool) {
	visited := make(map[string]struct{}, len(segs))
	for _, s := range segs {
		visited[s] = struct{}{}
	}

	out := segs
	current := segs[len(segs)-1]
	added := false
	for step := 0; step < maxEnrichSteps; step++ {
		// Lowest name wins when several policies select the same hop, so the
		// walk is deterministic regardless of map iteration order.
		next := ""
		for name, now := range policies {
			if now != current {
				continue
			}
			if _, seen := visited[name]; seen {
				continue
			}
			if next == "" || name < next {
				next = name
			}
		}
		if next == "" {
			break
		}
		visited[next] = struct{}{}
		out = append(out, next)
		current = next
		added = true
	}
	return out, added
}

// normalizeLabel reduces a rule label to a canonical comparison form:
// Unicode NFKC, leading non-letter/digit runes stripped, whitespace
// collapsed, lowercased. Upstream labels sometimes carry emoji or
// punctuation prefixes that are cosmetic only.
func normalizeLabel(s string) string {
	s = norm.NFKC.String(s)
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

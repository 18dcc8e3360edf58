package chainflow

import (
	"math"
	"sort"

	"FlowScope/internal/model"
)

// AllocateProportional splits total across candidates in proportion to
// weights, using largest-remainder rounding: each share is floored, then the
// leftover units go to the candidates with the largest fractional parts. The
// returned shares always sum to exactly total. A zero weight sum degrades to
// an even split.
func AllocateProportional(total int64, weights []int64) []int64 {
	n := len(weights)
	if n == 0 {
		return nil
	}
	shares := make([]int64, n)
	if total <= 0 {
		return shares
	}

	var weightSum int64
	for _, w := range weights {
		if w > 0 {
			weightSum += w
		}
	}

	fracs := make([]float64, n)
	var allocated int64
	for i, w := range weights {
		var ideal float64
		if weightSum > 0 {
			if w > 0 {
				ideal = float64(total) * float64(w) / float64(weightSum)
			}
		} else {
			ideal = float64(total) / float64(n)
		}
		floor := int64(math.Floor(ideal))
		shares[i] = floor
		fracs[i] = ideal - float64(floor)
		allocated += floor
	}

	remainder := total - allocated
	if remainder <= 0 {
		return shares
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fracs[order[a]] > fracs[order[b]]
	})
	for i := int64(0); i < remainder; i++ {
		shares[order[i%int64(n)]]++
	}
	return shares
}

// RemapToFullChains recovers collapsed historical chains. A short chain
// (fewer than 3 segments) is replaced by the historically seen full chains
// of the same rule that share its first hop; when several candidates exist
// the short chain's totals are split across them in proportion to each
// candidate's historical weight. The attribution is a documented best-effort
// approximation: a short chain alone cannot identify which full chain the
// traffic actually took. Rows are merged by (rule, chain) and returned in
// deterministic (rule, chain) order.
func RemapToFullChains(rows, history []model.RuleChainRow) []model.RuleChainRow {
	type hopKey struct {
		rule string
		hop  string
	}
	candidates := make(map[hopKey][]model.RuleChainRow)
	for _, h := range history {
		segs := SplitChain(h.Chain)
		if len(segs) < shortChainThreshold {
			continue
		}
		k := hopKey{h.Rule, segs[0]}
		candidates[k] = append(candidates[k], h)
	}
	// Candidate order must not depend on the history slice order.
	for k := range candidates {
		c := candidates[k]
		sort.Slice(c, func(i, j int) bool { return c[i].Chain < c[j].Chain })
	}

	merged := make(map[hopKey]*model.RuleChainRow)
	add := func(rule, chain string, up, down, conns int64) {
		k := hopKey{rule, chain}
		row, ok := merged[k]
		if !ok {
			row = &model.RuleChainRow{Rule: rule, Chain: chain}
			merged[k] = row
		}
		row.Upload += up
		row.Download += down
		row.Connections += conns
	}

	for _, row := range rows {
		segs := SplitChain(row.Chain)
		if len(segs) == 0 {
			continue
		}
		if len(segs) >= shortChainThreshold {
			add(row.Rule, row.Chain, row.Upload, row.Download, row.Connections)
			continue
		}

		full := candidates[hopKey{row.Rule, segs[0]}]
		switch len(full) {
		case 0:
			add(row.Rule, row.Chain, row.Upload, row.Download, row.Connections)
		case 1:
			add(row.Rule, full[0].Chain, row.Upload, row.Download, row.Connections)
		default:
			weights := make([]int64, len(full))
			for i, c := range full {
				weights[i] = c.Upload + c.Download
			}
			ups := AllocateProportional(row.Upload, weights)
			downs := AllocateProportional(row.Download, weights)
			conns := AllocateProportional(row.Connections, weights)
			for i, c := range full {
				if ups[i] == 0 && downs[i] == 0 && conns[i] == 0 {
					continue
				}
				add(row.Rule, c.Chain, ups[i], downs[i], conns[i])
			}
		}
	}

	out := make([]model.RuleChainRow, 0, len(merged))
	for _, row := range merged {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Chain < out[j].Chain
	})
	return out
}

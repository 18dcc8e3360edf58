package chainflow

import (
	"sort"

	"FlowScope/internal/model"
)

// Built-in terminal policies of the proxy core. They sit at the end of a
// chain but are policy decisions, not proxy servers, so they keep the group
// type even with no outgoing edges.
var terminalPolicies = map[string]struct{}{
	"DIRECT":      {},
	"REJECT":      {},
	"REJECT-TINY": {},
}

// linkKey is the composite identity of a directed edge. Structural equality
// on the two names avoids any delimiter ambiguity: node names can contain
// arbitrary runes, including the chain delimiter itself.
type linkKey struct {
	source string
	target string
}

type nodeAgg struct {
	counters [3]int64 // upload, download, connections
	rules    map[string]struct{}
	layer    int
	inDeg    int
	outDeg   int
}

type linkAgg struct {
	counters [3]int64
}

// BuildGraph assembles the deduplicated rule->group->proxy DAG from
// per-(rule, chain) totals. Paths shorter than two nodes have no edge to
// draw and are skipped. Node and link ordering is fully deterministic —
// nodes by (layer, type, name), links by (source, target) — so identical
// inputs produce byte-identical output for UI diffing and caching.
func BuildGraph(rows []model.RuleChainRow, policies map[string]string) model.FlowGraph {
	nodes := make(map[string]*nodeAgg)
	links := make(map[linkKey]*linkAgg)
	ruleNodeNames := make(map[string]map[string]struct{})
	ruleLinkKeys := make(map[string]map[linkKey]struct{})

	node := func(name string) *nodeAgg {
		n, ok := nodes[name]
		if !ok {
			n = &nodeAgg{rules: make(map[string]struct{})}
			nodes[name] = n
		}
		return n
	}

	for _, row := range rows {
		path := FlowPath(row.Rule, row.Chain, policies)
		if len(path) < 2 {
			continue
		}

		nodeSet := ruleNodeNames[row.Rule]
		if nodeSet == nil {
			nodeSet = make(map[string]struct{})
			ruleNodeNames[row.Rule] = nodeSet
		}
		linkSet := ruleLinkKeys[row.Rule]
		if linkSet == nil {
			linkSet = make(map[linkKey]struct{})
			ruleLinkKeys[row.Rule] = linkSet
		}

		for i, name := range path {
			n := node(name)
			n.counters[0] += row.Upload
			n.counters[1] += row.Download
			n.counters[2] += row.Connections
			n.rules[row.Rule] = struct{}{}
			if i > n.layer {
				n.layer = i
			}
			nodeSet[name] = struct{}{}
		}
		for i := 0; i+1 < len(path); i++ {
			k := linkKey{source: path[i], target: path[i+1]}
			l, ok := links[k]
			if !ok {
				l = &linkAgg{}
				links[k] = l
			}
			l.counters[0] += row.Upload
			l.counters[1] += row.Download
			l.counters[2] += row.Connections
			linkSet[k] = struct{}{}
		}
	}

	// Degrees are per unique edge, not per traversal.
	for k := range links {
		nodes[k.source].outDeg++
		nodes[k.target].inDeg++
	}

	maxLayer := 0
	for _, n := range nodes {
		if n.layer > maxLayer {
			maxLayer = n.layer
		}
	}

	type typedNode struct {
		name string
		agg  *nodeAgg
		typ  model.NodeType
	}
	typed := make([]typedNode, 0, len(nodes))
	for name, n := range nodes {
		typ := model.NodeTypeGroup
		switch {
		case n.inDeg == 0:
			typ = model.NodeTypeRule
			n.layer = 0
		case n.outDeg == 0:
			if _, builtin := terminalPolicies[name]; !builtin {
				typ = model.NodeTypeProxy
			}
		}
		if typ == model.NodeTypeProxy {
			// All proxies share the rightmost column regardless of how long
			// their individual paths were.
			n.layer = maxLayer
		}
		typed = append(typed, typedNode{name: name, agg: n, typ: typ})
	}

	sort.Slice(typed, func(i, j int) bool {
		a, b := typed[i], typed[j]
		if a.agg.layer != b.agg.layer {
			return a.agg.layer < b.agg.layer
		}
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		return a.name < b.name
	})

	graph := model.FlowGraph{
		Nodes:     make([]model.FlowNode, len(typed)),
		RuleNodes: make(map[string][]int, len(ruleNodeNames)),
		RuleLinks: make(map[string][]int, len(ruleLinkKeys)),
	}
	nodeIndex := make(map[string]int, len(typed))
	for i, tn := range typed {
		nodeIndex[tn.name] = i
		graph.Nodes[i] = model.FlowNode{
			Name:        tn.name,
			Layer:       tn.agg.layer,
			Type:        tn.typ,
			Upload:      tn.agg.counters[0],
			Download:    tn.agg.counters[1],
			Connections: tn.agg.counters[2],
			Rules:       sortedSet(tn.agg.rules),
		}
	}

	orderedLinks := make([]linkKey, 0, len(links))
	for k := range links {
		orderedLinks = append(orderedLinks, k)
	}
	sort.Slice(orderedLinks, func(i, j int) bool {
		if orderedLinks[i].source != orderedLinks[j].source {
			return orderedLinks[i].source < orderedLinks[j].source
		}
		return orderedLinks[i].target < orderedLinks[j].target
	})
	linkIndex := make(map[linkKey]int, len(orderedLinks))
	graph.Links = make([]model.FlowLink, len(orderedLinks))
	for i, k := range orderedLinks {
		linkIndex[k] = i
		l := links[k]
		graph.Links[i] = model.FlowLink{
			Source:      nodeIndex[k.source],
			Target:      nodeIndex[k.target],
			SourceName:  k.source,
			TargetName:  k.target,
			Upload:      l.counters[0],
			Download:    l.counters[1],
			Connections: l.counters[2],
		}
	}

	for rule, names := range ruleNodeNames {
		idx := make([]int, 0, len(names))
		for name := range names {
			idx = append(idx, nodeIndex[name])
		}
		sort.Ints(idx)
		graph.RuleNodes[rule] = idx
	}
	for rule, keys := range ruleLinkKeys {
		idx := make([]int, 0, len(keys))
		for k := range keys {
			idx = append(idx, linkIndex[k])
		}
		sort.Ints(idx)
		graph.RuleLinks[rule] = idx
	}

	return graph
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package chainflow

import (
	"reflect"
	"testing"

	"FlowScope/internal/model"
)

func testRows() []model.RuleChainRow {
	return []model.RuleChainRow{
		{Rule: "Rules", Chain: "HK-01 > Proxy > Rules", Upload: 10, Download: 100, Connections: 1},
		{Rule: "Rules", Chain: "US-02 > Proxy > Rules", Upload: 20, Download: 200, Connections: 2},
		{Rule: "Media", Chain: "US-02 > Media", Upload: 5, Download: 50, Connections: 1},
	}
}

func TestBuildGraphStructure(t *testing.T) {
	g := BuildGraph(testRows(), nil)

	byName := make(map[string]model.FlowNode, len(g.Nodes))
	for _, n := range g.Nodes {
		byName[n.Name] = n
	}

	// Rule nodes sit at layer 0 with no inbound edges.
	for _, rule := range []string{"Rules", "Media"} {
		n, ok := byName[rule]
		if !ok {
			t.Fatalf("missing node %q", rule)
		}
		if n.Type != model.NodeTypeRule || n.Layer != 0 {
			t.Errorf("%q: type=%s layer=%d, want rule at layer 0", rule, n.Type, n.Layer)
		}
	}

	// Proxies share the rightmost layer even when their paths were shorter.
	maxLayer := 0
	for _, n := range g.Nodes {
		if n.Layer > maxLayer {
			maxLayer = n.Layer
		}
	}
	for _, proxy := range []string{"HK-01", "US-02"} {
		n := byName[proxy]
		if n.Type != model.NodeTypeProxy {
			t.Errorf("%q: type=%s, want proxy", proxy, n.Type)
		}
		if n.Layer != maxLayer {
			t.Errorf("%q: layer=%d, want rightmost layer %d", proxy, n.Layer, maxLayer)
		}
	}

	if n := byName["Proxy"]; n.Type != model.NodeTypeGroup {
		t.Errorf("Proxy: type=%s, want group", n.Type)
	}

	// Node traffic accumulates over every traversing path.
	if n := byName["Proxy"]; n.Upload != 30 || n.Download != 300 || n.Connections != 3 {
		t.Errorf("Proxy counters = %d/%d/%d, want 30/300/3", n.Upload, n.Download, n.Connections)
	}
	if n := byName["US-02"]; n.Upload != 25 || n.Download != 250 {
		t.Errorf("US-02 counters = %d/%d", n.Upload, n.Download)
	}
}

func TestBuildGraphLinkIndicesValid(t *testing.T) {
	g := BuildGraph(testRows(), nil)

	for i, l := range g.Links {
		if l.Source < 0 || l.Source >= len(g.Nodes) || l.Target < 0 || l.Target >= len(g.Nodes) {
			t.Fatalf("link %d has out-of-range endpoints: %+v", i, l)
		}
		if g.Nodes[l.Source].Name != l.SourceName || g.Nodes[l.Target].Name != l.TargetName {
			t.Errorf("link %d names disagree with endpoints: %+v", i, l)
		}
		// Edges always point away from the rule column.
		if g.Nodes[l.Source].Layer >= g.Nodes[l.Target].Layer {
			t.Errorf("link %d does not advance layers: %s(%d) -> %s(%d)",
				i, l.SourceName, g.Nodes[l.Source].Layer, l.TargetName, g.Nodes[l.Target].Layer)
		}
	}

	for rule, idx := range g.RuleNodes {
		for _, i := range idx {
			if i < 0 || i >= len(g.Nodes) {
				t.Errorf("RuleNodes[%q] holds invalid index %d", rule, i)
			}
		}
	}
	for rule, idx := range g.RuleLinks {
		for _, i := range idx {
			if i < 0 || i >= len(g.Links) {
				t.Errorf("RuleLinks[%q] holds invalid index %d", rule, i)
			}
		}
	}
}

func TestBuildGraphDeterministic(t *testing.T) {
	a := BuildGraph(testRows(), nil)
	for i := 0; i < 10; i++ {
		b := BuildGraph(testRows(), nil)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("iteration %d produced a different graph", i)
		}
	}
}

func TestBuildGraphTerminalPolicyStaysGroup(t *testing.T) {
	rows := []model.RuleChainRow{
		{Rule: "Match", Chain: "DIRECT", Upload: 1, Download: 1, Connections: 1},
	}
	g := BuildGraph(rows, nil)

	found := false
	for _, n := range g.Nodes {
		if n.Name == "DIRECT" {
			found = true
			if n.Type != model.NodeTypeGroup {
				t.Errorf("DIRECT: type=%s, want group despite having no outgoing edges", n.Type)
			}
		}
	}
	if !found {
		t.Fatal("DIRECT node missing")
	}
}

func TestBuildGraphPreservesPipeNames(t *testing.T) {
	rows := []model.RuleChainRow{
		{Rule: "RULE-SET", Chain: "YouTube|Media > Manual|Select > JP-Sakura|IEPL", Upload: 1, Download: 1, Connections: 1},
	}
	g := BuildGraph(rows, nil)

	target := false
	for _, l := range g.Links {
		if l.TargetName == "YouTube|Media" {
			target = true
		}
	}
	if !target {
		t.Error("no link targets the exact name \"YouTube|Media\"")
	}
	for _, n := range g.Nodes {
		switch n.Name {
		case "RULE-SET", "JP-Sakura|IEPL", "Manual|Select", "YouTube|Media":
		default:
			t.Errorf("unexpected node %q; pipe runes must never split a name", n.Name)
		}
	}
}

func TestBuildGraphSkipsSingleNodePaths(t *testing.T) {
	rows := []model.RuleChainRow{
		{Rule: "Match", Chain: "", Upload: 1, Download: 1},
	}
	g := BuildGraph(rows, nil)
	if len(g.Nodes) != 0 || len(g.Links) != 0 {
		t.Errorf("empty-chain row produced nodes/links: %+v", g)
	}
}

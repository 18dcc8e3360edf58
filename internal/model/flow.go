package model

// NodeType classifies a node of the reconstructed routing graph.
type NodeType string

const (
	NodeTypeRule  NodeType = "rule"
	NodeTypeGroup NodeType = "group"
	NodeTypeProxy NodeType = "proxy"
)

// FlowNode is one hop of the routing-decision graph. Layer is the
// topological depth used for column placement; all proxy nodes share the
// rightmost layer.
type FlowNode struct {
	Name        string   `json:"name"`
	Layer       int      `json:"layer"`
	Type        NodeType `json:"type"`
	Upload      int64    `json:"upload"`
	Download    int64    `json:"download"`
	Connections int64    `json:"connections"`
	Rules       []string `json:"rules"`
}

// FlowLink is one directed edge of the routing graph. Source and Target
// index into FlowGraph.Nodes.
type FlowLink struct {
	Source      int    `json:"source"`
	Target      int    `json:"target"`
	SourceName  string `json:"sourceName"`
	TargetName  string `json:"targetName"`
	Upload      int64  `json:"upload"`
	Download    int64  `json:"download"`
	Connections int64  `json:"connections"`
}

// FlowGraph is the deduplicated rule->group->proxy DAG built for
// visualization. RuleNodes and RuleLinks map each rule name to the node and
// link indices its paths traverse. The node and link orderings are fully
// deterministic so repeated identical queries are byte-identical.
type FlowGraph struct {
	Nodes     []FlowNode       `json:"nodes"`
	Links     []FlowLink       `json:"links"`
	RuleNodes map[string][]int `json:"ruleNodes"`
	RuleLinks map[string][]int `json:"ruleLinks"`
}

package actor

import (
	"github.com/roasbeef/troupe/wire"
)

// TreeNode is one node of the recursive tree rollup returned by Ref.Tree.
type TreeNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name,omitempty"`
	State    string      `json:"state"`
	Mode     string      `json:"mode"`
	Children []*TreeNode `json:"children,omitempty"`
}

// MetricsNode is one node of the recursive metrics rollup returned by
// Ref.Metrics. Own holds the behavior's metrics hook output; balancers
// additionally populate Summary with element-wise sums across children.
type MetricsNode struct {
	Own      map[string]float64      `json:"metrics,omitempty"`
	Summary  map[string]float64      `json:"summary,omitempty"`
	Children map[string]*MetricsNode `json:"children,omitempty"`
}

// decodeTo round-trips a generic decoded JSON value into a typed struct.
func decodeTo(src, dst any) error {
	return wire.DecodeBody(src, dst)
}

// sumMetrics accumulates src into dst element-wise.
func sumMetrics(dst, src map[string]float64) {
	for k, v := range src {
		dst[k] += v
	}
}

// Package graph holds the workflow graph submitted to workers, its immutable
// snapshot, the structural fingerprint used for affinity grouping, and the
// bypass rewrite applied before submission.
//
// A graph is the worker's API format: node id -> {class_type, inputs}. An
// input whose value is a two element array [sourceNodeID, outputSlot] is a
// link; anything else is a parameter value.
package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Node is one vertex of a workflow graph.
type Node struct {
	ClassType string         `json:"class_type" cbor:"class_type"`
	Inputs    map[string]any `json:"inputs" cbor:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty" cbor:"_meta,omitempty"`
}

// Graph maps node ids to nodes.
type Graph map[string]Node

// Link is a reference from an input to another node's output slot.
type Link struct {
	NodeID string
	Slot   int
}

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	var err error
	snapshotEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("graph: cbor encoder: %v", err))
	}
	snapshotDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("graph: cbor decoder: %v", err))
	}
}

// Parse decodes a graph from its JSON API form.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("parse graph: empty graph")
	}
	return g, nil
}

// Clone returns a deep copy that shares no maps or slices with g, so later
// mutation of the caller's graph cannot reach an admitted job.
func (g Graph) Clone() (Graph, error) {
	if g == nil {
		return nil, nil
	}
	raw, err := snapshotEnc.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("snapshot graph: %w", err)
	}
	var out Graph
	if err := snapshotDec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("snapshot graph: %w", err)
	}
	return out, nil
}

// NodeIDs returns the node ids in sorted order.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether the graph contains id.
func (g Graph) Has(id string) bool {
	_, ok := g[id]
	return ok
}

// Links returns the linked inputs of a node keyed by input name.
func (n Node) Links() map[string]Link {
	links := make(map[string]Link)
	for name, v := range n.Inputs {
		if l, ok := AsLink(v); ok {
			links[name] = l
		}
	}
	return links
}

// AsLink interprets an input value as a link.
func AsLink(v any) (Link, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return Link{}, false
	}
	id, ok := arr[0].(string)
	if !ok {
		return Link{}, false
	}
	slot, ok := toInt(arr[1])
	if !ok {
		return Link{}, false
	}
	return Link{NodeID: id, Slot: slot}, true
}

// Value renders the link back into its input value form.
func (l Link) Value() []any {
	return []any{l.NodeID, l.Slot}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

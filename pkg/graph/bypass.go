package graph

import (
	"sort"

	"github.com/ChuLiYu/flowpool/pkg/failure"
)

// NodeDef is the part of a node type definition the bypass rewrite needs:
// the value type produced at each output slot.
type NodeDef struct {
	Output []string `json:"output"`
}

// Definitions maps class types to their definitions.
type Definitions map[string]NodeDef

// Bypass returns a copy of g with the given nodes spliced out. Every input
// that referenced a bypassed node is reconnected to the first input of that
// node whose source produces the same type; when none does, the reference is
// dropped. A missing node or node definition is a missing_node failure.
func Bypass(g Graph, ids []string, defs Definitions) (Graph, error) {
	if len(ids) == 0 {
		return g, nil
	}
	out, err := g.Clone()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !out.Has(id) {
			return nil, failure.MissingNode(id, "")
		}
	}

	for _, id := range ids {
		node := out[id]
		def, ok := defs[node.ClassType]
		if !ok {
			return nil, failure.MissingNode(id, node.ClassType)
		}

		for _, otherID := range out.NodeIDs() {
			if otherID == id {
				continue
			}
			other := out[otherID]
			for name, v := range other.Inputs {
				l, ok := AsLink(v)
				if !ok || l.NodeID != id {
					continue
				}
				want := ""
				if l.Slot >= 0 && l.Slot < len(def.Output) {
					want = def.Output[l.Slot]
				}
				repl, found, err := matchingInput(out, node, want, defs)
				if err != nil {
					return nil, err
				}
				if found {
					other.Inputs[name] = repl.Value()
				} else {
					delete(other.Inputs, name)
				}
			}
		}
		delete(out, id)
	}
	return out, nil
}

// matchingInput finds the first linked input of node (by input name) whose
// source output has type want.
func matchingInput(g Graph, node Node, want string, defs Definitions) (Link, bool, error) {
	if want == "" {
		return Link{}, false, nil
	}
	names := make([]string, 0, len(node.Inputs))
	for name := range node.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		l, ok := AsLink(node.Inputs[name])
		if !ok {
			continue
		}
		src, ok := g[l.NodeID]
		if !ok {
			return Link{}, false, failure.MissingNode(l.NodeID, "")
		}
		sdef, ok := defs[src.ClassType]
		if !ok {
			return Link{}, false, failure.MissingNode(l.NodeID, src.ClassType)
		}
		if l.Slot >= 0 && l.Slot < len(sdef.Output) && sdef.Output[l.Slot] == want {
			return l, true, nil
		}
	}
	return Link{}, false, nil
}

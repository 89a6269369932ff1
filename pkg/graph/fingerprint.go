package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// shapeNode is the parameter-free view of a node: its type and its wiring.
type shapeNode struct {
	Class string               `cbor:"c"`
	Links map[string]shapeLink `cbor:"l"`
}

type shapeLink struct {
	Node string `cbor:"n"`
	Slot int    `cbor:"s"`
}

// Fingerprint hashes the graph's shape: node ids, node types and links.
// Parameter values do not contribute, so two graphs that differ only in
// numbers or text fingerprint identically.
func (g Graph) Fingerprint() (string, error) {
	shape := make(map[string]shapeNode, len(g))
	for id, n := range g {
		links := make(map[string]shapeLink)
		for name, l := range n.Links() {
			links[name] = shapeLink{Node: l.NodeID, Slot: l.Slot}
		}
		shape[id] = shapeNode{Class: n.ClassType, Links: links}
	}

	// Core deterministic encoding sorts map keys, which makes the bytes stable.
	raw, err := snapshotEnc.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("fingerprint graph: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16]), nil
}

// MustFingerprint is Fingerprint for graphs known to encode.
func (g Graph) MustFingerprint() string {
	fp, err := g.Fingerprint()
	if err != nil {
		panic(err)
	}
	return fp
}

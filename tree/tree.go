// Package tree represents dataset items as trees of tagged values.
//
// A dataset item is an arbitrary nesting of lists and string-keyed maps whose
// leaves are scalars, byte blobs or file paths. Instead of runtime
// introspection, items are built from explicit Node variants, and structure
// aware operations (flattening, path extraction) are plain visitors over the
// variant tag.
package tree

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the variant tag of a Node.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	case KindList:
		return "List"
	case KindMap:
		return "Map"
	}
	return "Invalid"
}

// Node is one value of an item tree. The zero value is the nil leaf.
//
// Nodes are immutable once built: operations that change a tree return a new
// one, sharing unchanged sub-trees.
type Node struct {
	kind Kind

	boolV   bool
	intV    int64
	floatV  float64
	stringV string
	bytesV  []byte

	list []*Node

	keys   []string // Sorted, aligned with values.
	values []*Node
}

// Nil returns the nil leaf.
func Nil() *Node { return &Node{kind: KindNil} }

// Bool returns a boolean leaf.
func Bool(v bool) *Node { return &Node{kind: KindBool, boolV: v} }

// Int returns an integer leaf.
func Int(v int64) *Node { return &Node{kind: KindInt, intV: v} }

// Float returns a float leaf.
func Float(v float64) *Node { return &Node{kind: KindFloat, floatV: v} }

// String returns a string leaf. File paths are represented as string leaves.
func String(v string) *Node { return &Node{kind: KindString, stringV: v} }

// Bytes returns a byte-blob leaf. The slice is not copied.
func Bytes(v []byte) *Node { return &Node{kind: KindBytes, bytesV: v} }

// List returns a list node with the given children.
func List(children ...*Node) *Node { return &Node{kind: KindList, list: children} }

// Map returns a map node. Keys are stored sorted, so two maps built from the
// same entries are structurally identical regardless of insertion order.
func Map(entries map[string]*Node) *Node {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]*Node, len(keys))
	for i, k := range keys {
		values[i] = entries[k]
	}
	return &Node{kind: KindMap, keys: keys, values: values}
}

// Kind returns the variant tag.
func (n *Node) Kind() Kind { return n.kind }

// BoolValue returns the boolean leaf value. It is only meaningful for KindBool.
func (n *Node) BoolValue() bool { return n.boolV }

// IntValue returns the integer leaf value. It is only meaningful for KindInt.
func (n *Node) IntValue() int64 { return n.intV }

// FloatValue returns the float leaf value. It is only meaningful for KindFloat.
func (n *Node) FloatValue() float64 { return n.floatV }

// StringValue returns the string leaf value. It is only meaningful for KindString.
func (n *Node) StringValue() string { return n.stringV }

// BytesValue returns the byte-blob leaf value. It is only meaningful for KindBytes.
func (n *Node) BytesValue() []byte { return n.bytesV }

// Len returns the number of children of a list or map node, and 0 for leaves.
func (n *Node) Len() int {
	switch n.kind {
	case KindList:
		return len(n.list)
	case KindMap:
		return len(n.values)
	}
	return 0
}

// At returns the i-th child of a list or map node.
func (n *Node) At(i int) *Node {
	if n.kind == KindMap {
		return n.values[i]
	}
	return n.list[i]
}

// Key returns the i-th key of a map node.
func (n *Node) Key(i int) string { return n.keys[i] }

// Get returns the child of a map node under the given key, or nil if absent.
func (n *Node) Get(key string) *Node {
	if n.kind != KindMap {
		return nil
	}
	i := sort.SearchStrings(n.keys, key)
	if i < len(n.keys) && n.keys[i] == key {
		return n.values[i]
	}
	return nil
}

// IsLeaf reports whether the node is a leaf (not a list or map).
func (n *Node) IsLeaf() bool { return n.kind != KindList && n.kind != KindMap }

// Spec describes the shape of a tree without its leaf values. Flatten returns
// one; Unflatten rebuilds a tree from a Spec and a leaf slice.
type Spec struct {
	kind     Kind     // KindList, KindMap, or the leaf's kind.
	keys     []string // Only for KindMap.
	children []*Spec
}

// Flatten returns the leaves of the tree in depth-first order, together with
// the Spec needed to rebuild it.
func Flatten(n *Node) ([]*Node, *Spec) {
	var leaves []*Node
	spec := flattenInto(n, &leaves)
	return leaves, spec
}

func flattenInto(n *Node, leaves *[]*Node) *Spec {
	if n.IsLeaf() {
		*leaves = append(*leaves, n)
		return &Spec{kind: n.kind}
	}
	spec := &Spec{kind: n.kind, keys: n.keys}
	spec.children = make([]*Spec, n.Len())
	for i := 0; i < n.Len(); i++ {
		spec.children[i] = flattenInto(n.At(i), leaves)
	}
	return spec
}

// Unflatten rebuilds a tree from leaves previously produced by Flatten along
// with its Spec. The leaves may have been substituted, but their count must
// match the spec.
func Unflatten(leaves []*Node, spec *Spec) (*Node, error) {
	n, rest, err := unflatten(leaves, spec)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("tree.Unflatten: %d leftover leaves for spec", len(rest))
	}
	return n, nil
}

func unflatten(leaves []*Node, spec *Spec) (*Node, []*Node, error) {
	if spec.kind != KindList && spec.kind != KindMap {
		if len(leaves) == 0 {
			return nil, nil, errors.Errorf("tree.Unflatten: not enough leaves for spec")
		}
		return leaves[0], leaves[1:], nil
	}
	children := make([]*Node, len(spec.children))
	var err error
	for i, childSpec := range spec.children {
		children[i], leaves, err = unflatten(leaves, childSpec)
		if err != nil {
			return nil, nil, err
		}
	}
	if spec.kind == KindMap {
		return &Node{kind: KindMap, keys: spec.keys, values: children}, leaves, nil
	}
	return &Node{kind: KindList, list: children}, leaves, nil
}

// ExtractPaths finds every string leaf that starts with the root prefix --
// those are taken to be the files the item depends on -- and returns them,
// along with a copy of the item where each such leaf was passed through
// rewrite (typically re-targeting it at a local cache directory).
//
// Prefix matching mirrors the fast-path heuristic of the upstream pipeline:
// only the root prefix identifies a file dependency, there is no stat call.
func ExtractPaths(item *Node, root string, rewrite func(path string) string) (*Node, []string) {
	leaves, spec := Flatten(item)
	var paths []string
	rewritten := make([]*Node, len(leaves))
	for i, leaf := range leaves {
		rewritten[i] = leaf
		if leaf.Kind() != KindString {
			continue
		}
		p := leaf.StringValue()
		if !strings.HasPrefix(p, root) {
			continue
		}
		paths = append(paths, p)
		if rewrite != nil {
			rewritten[i] = String(rewrite(p))
		}
	}
	// Unflatten cannot fail here: the leaf count is unchanged.
	out, _ := Unflatten(rewritten, spec)
	return out, paths
}

// Equal reports whether two trees are structurally identical with equal leaf
// values.
func Equal(a, b *Node) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.boolV == b.boolV
	case KindInt:
		return a.intV == b.intV
	case KindFloat:
		return a.floatV == b.floatV
	case KindString:
		return a.stringV == b.stringV
	case KindBytes:
		return string(a.bytesV) == string(b.bytesV)
	}
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if a.kind == KindMap && a.keys[i] != b.keys[i] {
			return false
		}
		if !Equal(a.At(i), b.At(i)) {
			return false
		}
	}
	return true
}

package serialize

import (
	"bytes"
	"encoding/json"
)

// NodeKind tags the variant held by a Node.
type NodeKind uint8

const (
	NodePrimitive  NodeKind = iota // string, number, boolean or null.
	NodeSequence                   // Ordered list of nodes.
	NodeMapping                    // Ordered key/value pairs.
	NodeTruncated                  // Depth exhausted here.
	NodeCycle                      // Value already on the active recursion path.
	NodeUnreadable                 // Introspection of this value failed.
)

// Sentinel encodings written in place of truncated, cyclic and unreadable values.
const (
	TruncatedMarker  = "[Truncated]"
	CycleMarker      = "[Circular]"
	UnreadableMarker = "[Unreadable]"
)

func (k NodeKind) String() string {
	switch k {
	case NodePrimitive:
		return "primitive"
	case NodeSequence:
		return "sequence"
	case NodeMapping:
		return "mapping"
	case NodeTruncated:
		return "truncated"
	case NodeCycle:
		return "cycle"
	case NodeUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// Node is a finite, acyclic, transport-safe tree produced by Serialize.
// Value is set for primitives only: nil, bool, string, int64, uint64 or float64.
type Node struct {
	Kind   NodeKind
	Value  any
	Items  []Node
	Fields []Field
}

// Field is one key/value pair of a mapping node.
type Field struct {
	Key   string
	Value Node
}

// Primitive returns a primitive node. Non-finite floats become null.
func Primitive(v any) Node {
	return Node{Kind: NodePrimitive, Value: normalizeScalar(v)}
}

// Truncated returns the depth-exhausted sentinel.
func Truncated() Node { return Node{Kind: NodeTruncated} }

// Cycle returns the cycle sentinel.
func Cycle() Node { return Node{Kind: NodeCycle} }

// Unreadable returns the sentinel for a value whose introspection failed.
func Unreadable() Node { return Node{Kind: NodeUnreadable} }

// Sequence returns a sequence node over items.
func Sequence(items ...Node) Node {
	if items == nil {
		items = []Node{}
	}
	return Node{Kind: NodeSequence, Items: items}
}

// Mapping returns a mapping node over fields, kept in the given order.
func Mapping(fields ...Field) Node {
	if fields == nil {
		fields = []Field{}
	}
	return Node{Kind: NodeMapping, Fields: fields}
}

// IsScalar reports whether n is a non-null string, boolean or number.
func (n Node) IsScalar() bool {
	return n.Kind == NodePrimitive && n.Value != nil
}

// IsNull reports whether n is the null primitive.
func (n Node) IsNull() bool {
	return n.Kind == NodePrimitive && n.Value == nil
}

// Get returns the value stored under key in a mapping node.
func (n Node) Get(key string) (Node, bool) {
	for _, f := range n.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Node{}, false
}

// Interface converts the tree to plain Go data ([]any, map[string]any and
// primitives). Sentinels become their marker strings. Key order is lost.
func (n Node) Interface() any {
	switch n.Kind {
	case NodePrimitive:
		return n.Value
	case NodeSequence:
		out := make([]any, len(n.Items))
		for i, item := range n.Items {
			out[i] = item.Interface()
		}
		return out
	case NodeMapping:
		out := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	default:
		return n.marker()
	}
}

func (n Node) marker() string {
	switch n.Kind {
	case NodeCycle:
		return CycleMarker
	case NodeUnreadable:
		return UnreadableMarker
	default:
		return TruncatedMarker
	}
}

// MarshalJSON encodes the tree, preserving mapping key order.
func (n Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n Node) encode(buf *bytes.Buffer) error {
	switch n.Kind {
	case NodePrimitive:
		b, err := json.Marshal(n.Value)
		if err != nil {
			return err
		}
		buf.Write(b)
	case NodeSequence:
		buf.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case NodeMapping:
		buf.WriteByte('{')
		for i, f := range n.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		b, _ := json.Marshal(n.marker())
		buf.Write(b)
	}
	return nil
}

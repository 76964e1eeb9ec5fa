// Package serialize converts arbitrary runtime values into finite, acyclic,
// depth-limited trees that are always safe to encode as JSON.
//
// Traversal rules:
//   - Depth counts edges from the root; a value deeper than maxDepth becomes Truncated
//     without being inspected
//   - Cycle detection is path-local: only an ancestor reappearing below itself
//     collapses to Cycle, siblings sharing a value are serialized independently
//   - A field whose introspection fails degrades to Unreadable, never failing the whole tree
package serialize

import (
	"fmt"
	"math"
)

// Kind is the closed set of input shapes the serializer dispatches on.
type Kind uint8

const (
	KindPrimitive Kind = iota
	KindSequence
	KindMapping
	KindError
	KindDate
	KindFunction
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindError:
		return "error"
	case KindDate:
		return "date"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Shape is the result of probing a value. Only the fields used by Kind are set.
type Shape struct {
	Kind Kind
	// ID identifies reference values for cycle detection. Must be comparable; nil for values.
	ID any

	Scalar any    // KindPrimitive.
	Text   string // KindDate, KindFunction and KindUnknown text; KindError message.
	Name   string // KindError.
	Stack  string // KindError, optional.
	// Failed lists KindError built-ins ("name", "message", "stack") whose
	// read failed. Each becomes Unreadable on its own.
	Failed []string

	Len   int // KindSequence.
	Index func(i int) (any, error)

	Keys  []string // KindMapping, and extra own properties of KindError.
	Field func(key string) (any, error)
}

// Shaper is implemented by host values that describe their own structure,
// such as script engine objects.
type Shaper interface {
	Shape() Shape
}

// Stats counts the sentinels emitted during one serialization.
type Stats struct {
	Truncated  int
	Cycles     int
	Unreadable int
}

// Serialize converts v into a Node no deeper than maxDepth.
// maxDepth <= 0 keeps a primitive root and truncates anything else.
func Serialize(v any, maxDepth int) Node {
	n, _ := SerializeWithStats(v, maxDepth)
	return n
}

// SerializeWithStats is Serialize that also reports sentinel counts.
func SerializeWithStats(v any, maxDepth int) (Node, Stats) {
	w := &walker{
		maxDepth: maxDepth,
		path:     make(map[any]struct{}),
	}
	if maxDepth <= 0 {
		w.maxDepth = 0
		s, err := probe(v)
		if err != nil {
			w.stats.Unreadable++
			return Unreadable(), w.stats
		}
		if s.Kind != KindPrimitive {
			w.stats.Truncated++
			return Truncated(), w.stats
		}
		return Primitive(s.Scalar), w.stats
	}
	return w.walk(v, 0), w.stats
}

type walker struct {
	maxDepth int
	path     map[any]struct{}
	stats    Stats
}

func (w *walker) walk(v any, depth int) Node {
	if depth > w.maxDepth {
		w.stats.Truncated++
		return Truncated()
	}

	s, err := probe(v)
	if err != nil {
		w.stats.Unreadable++
		return Unreadable()
	}

	if s.ID != nil {
		if _, onPath := w.path[s.ID]; onPath {
			w.stats.Cycles++
			return Cycle()
		}
		w.path[s.ID] = struct{}{}
		defer delete(w.path, s.ID)
	}

	switch s.Kind {
	case KindPrimitive:
		return Primitive(s.Scalar)
	case KindDate, KindFunction, KindUnknown:
		return Primitive(s.Text)
	case KindError:
		return w.walkError(s, depth)
	case KindSequence:
		// Len comes from the value and may be huge for sparse script arrays.
		var items []Node
		for i := 0; i < s.Len; i++ {
			items = append(items, w.child(depth, func() (any, error) { return s.Index(i) }))
		}
		return Sequence(items...)
	default:
		fields := make([]Field, 0, len(s.Keys))
		for _, key := range s.Keys {
			fields = append(fields, Field{Key: key, Value: w.child(depth, func() (any, error) { return s.Field(key) })})
		}
		return Mapping(fields...)
	}
}

// walkError lays out name, message and stack ahead of the other own
// properties. They are children like any other field, so an error at the
// depth limit shows only sentinels.
func (w *walker) walkError(s Shape, depth int) Node {
	fields := make([]Field, 0, 3+len(s.Keys))
	builtin := func(key, value string, present bool) {
		failed := false
		for _, k := range s.Failed {
			if k == key {
				failed = true
				break
			}
		}
		if !present && !failed {
			return
		}
		var n Node
		switch {
		case depth+1 > w.maxDepth:
			w.stats.Truncated++
			n = Truncated()
		case failed:
			w.stats.Unreadable++
			n = Unreadable()
		default:
			n = Primitive(value)
		}
		fields = append(fields, Field{Key: key, Value: n})
	}
	builtin("name", s.Name, s.Name != "")
	builtin("message", s.Text, true)
	builtin("stack", s.Stack, s.Stack != "")

	for _, key := range s.Keys {
		switch key {
		case "name", "message", "stack":
			continue
		}
		fields = append(fields, Field{Key: key, Value: w.child(depth, func() (any, error) { return s.Field(key) })})
	}
	return Mapping(fields...)
}

// child resolves one element or field and walks it one level deeper.
// The depth check runs before the accessor so truncated values are never read.
func (w *walker) child(depth int, get func() (any, error)) Node {
	if depth+1 > w.maxDepth {
		w.stats.Truncated++
		return Truncated()
	}
	v, err := safeGet(get)
	if err != nil {
		w.stats.Unreadable++
		return Unreadable()
	}
	return w.walk(v, depth+1)
}

func safeGet(get func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("accessor panicked: %v", r)
		}
	}()
	if get == nil {
		return nil, fmt.Errorf("no accessor")
	}
	return get()
}

// probe classifies v. Shapers describe themselves; everything else is
// probed by reflection.
func probe(v any) (s Shape, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	if sh, ok := v.(Shaper); ok {
		return sh.Shape(), nil
	}
	return probeReflect(v), nil
}

func normalizeScalar(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	}
	return v
}

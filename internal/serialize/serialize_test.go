package serialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func encode(t *testing.T, n Node) string {
	t.Helper()
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestSerializePrimitives(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `null`},
		{"string", "hello", `"hello"`},
		{"bool", true, `true`},
		{"int", 42, `42`},
		{"uint8", uint8(7), `7`},
		{"float", 1.5, `1.5`},
		{"nan", math.NaN(), `null`},
		{"inf", math.Inf(-1), `null`},
		{"bytes", []byte("hi"), `"aGk="`},
		{"duration", 2 * time.Second, `"2s"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, depth := range []int{0, 1, 3} {
				n := Serialize(tt.in, depth)
				if n.Kind != NodePrimitive {
					t.Fatalf("depth %d: kind = %s, want primitive", depth, n.Kind)
				}
				if got := encode(t, n); got != tt.want {
					t.Errorf("depth %d: got %s, want %s", depth, got, tt.want)
				}
			}
		})
	}
}

func TestSerializeDepthScenario(t *testing.T) {
	in := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1}}}}
	got := encode(t, Serialize(in, 3))
	want := `{"a":{"b":{"c":{"d":"[Truncated]"}}}}`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSerializeZeroDepth(t *testing.T) {
	if n := Serialize(map[string]any{"a": 1}, 0); n.Kind != NodeTruncated {
		t.Errorf("mapping at depth 0: kind = %s, want truncated", n.Kind)
	}
	if n := Serialize([]int{1}, -1); n.Kind != NodeTruncated {
		t.Errorf("sequence at negative depth: kind = %s, want truncated", n.Kind)
	}
	if n := Serialize("x", 0); n.Kind != NodePrimitive || n.Value != "x" {
		t.Errorf("primitive at depth 0: got %+v", n)
	}
}

func TestSerializeCycles(t *testing.T) {
	self := map[string]any{"name": "root"}
	self["self"] = self

	got := encode(t, Serialize(self, 5))
	want := `{"name":"root","self":"[Circular]"}`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	type node struct {
		Value int   `json:"value"`
		Next  *node `json:"next"`
	}
	a := &node{Value: 1}
	b := &node{Value: 2, Next: a}
	a.Next = b
	got = encode(t, Serialize(a, 10))
	want = `{"value":1,"next":{"value":2,"next":"[Circular]"}}`
	if got != want {
		t.Fatalf("transitive: got %s, want %s", got, want)
	}
}

func TestSerializeSharedSiblingsAreNotCycles(t *testing.T) {
	shared := map[string]any{"k": "v"}
	in := []any{shared, shared}

	n, stats := SerializeWithStats(in, 3)
	if stats.Cycles != 0 {
		t.Fatalf("cycles = %d, want 0", stats.Cycles)
	}
	if got, want := encode(t, n), `[{"k":"v"},{"k":"v"}]`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

type wrapped struct {
	op  string
	err error
}

func (w *wrapped) Error() string { return w.op + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestSerializeErrors(t *testing.T) {
	err := &wrapped{op: "open", err: errors.New("no such file")}

	got := encode(t, Serialize(err, 2))
	want := `{"name":"serialize.wrapped","message":"open: no such file","cause":{"name":"Error","message":"no such file"}}`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	got = encode(t, Serialize(err, 0))
	if got != `"[Truncated]"` {
		t.Fatalf("depth 0: got %s", got)
	}
	got = encode(t, Serialize(err, 1))
	want = `{"name":"serialize.wrapped","message":"open: no such file","cause":"[Truncated]"}`
	if got != want {
		t.Fatalf("depth 1: got %s, want %s", got, want)
	}
}

func TestSerializeErrorAtDepthLimit(t *testing.T) {
	in := map[string]any{"a": map[string]any{"b": errors.New("x")}}

	n, stats := SerializeWithStats(in, 2)
	want := `{"a":{"b":{"name":"[Truncated]","message":"[Truncated]"}}}`
	if got := encode(t, n); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if stats.Truncated != 2 {
		t.Errorf("truncated = %d, want 2", stats.Truncated)
	}

	// Same placement as a plain mapping with a message key.
	plain := map[string]any{"a": map[string]any{"b": map[string]any{"message": "x"}}}
	if got, want := encode(t, Serialize(plain, 2)), `{"a":{"b":{"message":"[Truncated]"}}}`; got != want {
		t.Fatalf("plain: got %s, want %s", got, want)
	}
}

func TestSerializeErrorBuiltinFailure(t *testing.T) {
	s := shaperFunc(func() Shape {
		return Shape{Kind: KindError, Name: "TypeError", Stack: "at main", Failed: []string{"message"}}
	})
	n, stats := SerializeWithStats(s, 3)
	want := `{"name":"TypeError","message":"[Unreadable]","stack":"at main"}`
	if got := encode(t, n); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if stats.Unreadable != 1 {
		t.Errorf("unreadable = %d, want 1", stats.Unreadable)
	}
}

func TestErrorNames(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("x"), "Error"},
		{fmt.Errorf("wrap: %w", errors.New("x")), "Error"},
		{&wrapped{op: "op", err: errors.New("x")}, "serialize.wrapped"},
		{&time.ParseError{}, "time.ParseError"},
	}
	for _, tt := range tests {
		if got := errorName(tt.err); got != tt.want {
			t.Errorf("errorName(%T) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSerializeDatesAndFunctions(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if got := encode(t, Serialize(ts, 1)); got != `"2024-03-01T12:30:00Z"` {
		t.Errorf("date: got %s", got)
	}

	n := Serialize(concat, 1)
	s, ok := n.Value.(string)
	if !ok || s == "" {
		t.Fatalf("function: got %+v", n)
	}
}

func concat(a, b string) string { return a + b }

func TestSerializeStructTags(t *testing.T) {
	type item struct {
		ID      int    `json:"id"`
		Name    string `json:"name,omitempty"`
		Skipped string `json:"-"`
		Plain   bool
		hidden  int
	}
	got := encode(t, Serialize(item{ID: 1, Name: "x", Skipped: "y", Plain: true, hidden: 3}, 2))
	want := `{"id":1,"name":"x","Plain":true}`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSerializeMapKeysSorted(t *testing.T) {
	got := encode(t, Serialize(map[int]string{3: "c", 1: "a", 2: "b"}, 1))
	if want := `{"1":"a","2":"b","3":"c"}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

type explodingShaper struct{}

func (explodingShaper) Shape() Shape {
	return Shape{
		Kind: KindMapping,
		Keys: []string{"ok", "boom", "err"},
		Field: func(key string) (any, error) {
			switch key {
			case "boom":
				panic("getter exploded")
			case "err":
				return nil, fmt.Errorf("denied")
			}
			return "fine", nil
		},
	}
}

type panickyShaper struct{}

func (panickyShaper) Shape() Shape { panic("cannot describe") }

func TestSerializeUnreadable(t *testing.T) {
	n, stats := SerializeWithStats(explodingShaper{}, 2)
	if got, want := encode(t, n), `{"ok":"fine","boom":"[Unreadable]","err":"[Unreadable]"}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if stats.Unreadable != 2 {
		t.Errorf("unreadable = %d, want 2", stats.Unreadable)
	}

	if n := Serialize(panickyShaper{}, 2); n.Kind != NodeUnreadable {
		t.Errorf("panicking probe: kind = %s", n.Kind)
	}
}

func TestSerializeTruncatedChildrenAreNotRead(t *testing.T) {
	reads := 0
	s := shaperFunc(func() Shape {
		return Shape{
			Kind: KindSequence,
			Len:  3,
			Index: func(int) (any, error) {
				reads++
				return 1, nil
			},
		}
	})
	n := Serialize([]any{s}, 1)
	if got := encode(t, n); got != `[["[Truncated]","[Truncated]","[Truncated]"]]` {
		t.Fatalf("got %s", got)
	}
	if reads != 0 {
		t.Fatalf("reads = %d, want 0", reads)
	}
}

type shaperFunc func() Shape

func (f shaperFunc) Shape() Shape { return f() }

func TestNodeInterface(t *testing.T) {
	n := Mapping(
		Field{Key: "list", Value: Sequence(Primitive(1), Truncated())},
		Field{Key: "loop", Value: Cycle()},
	)
	got := n.Interface().(map[string]any)
	list := got["list"].([]any)
	if list[0] != int64(1) || list[1] != TruncatedMarker {
		t.Errorf("list = %#v", list)
	}
	if got["loop"] != CycleMarker {
		t.Errorf("loop = %#v", got["loop"])
	}
}

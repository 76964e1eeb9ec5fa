package serialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// genValue draws a nested tree of maps, slices, errors and primitives.
func genValue(rt *rapid.T, label string, budget int) any {
	choices := 5
	if budget <= 0 {
		choices = 3
	}
	switch rapid.IntRange(0, choices).Draw(rt, label+"_kind") {
	case 5:
		msg := rapid.String().Draw(rt, label+"_msg")
		if rapid.Bool().Draw(rt, label+"_wrapped") {
			return fmt.Errorf("%s: %w", msg, errors.New(msg))
		}
		return errors.New(msg)
	case 0:
		return rapid.String().Draw(rt, label+"_str")
	case 1:
		return rapid.Int64().Draw(rt, label+"_int")
	case 2:
		return rapid.Bool().Draw(rt, label+"_bool")
	case 3:
		if budget <= 0 {
			return nil
		}
		n := rapid.IntRange(0, 3).Draw(rt, label+"_len")
		out := make([]any, n)
		for i := range out {
			out[i] = genValue(rt, fmt.Sprintf("%s.%d", label, i), budget-1)
		}
		return out
	default:
		n := rapid.IntRange(0, 3).Draw(rt, label+"_size")
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			out[fmt.Sprintf("k%d", i)] = genValue(rt, fmt.Sprintf("%s.k%d", label, i), budget-1)
		}
		return out
	}
}

// depthOf returns the deepest edge count to a non-sentinel node.
func depthOf(n Node) int {
	switch n.Kind {
	case NodeSequence:
		max := 0
		for _, item := range n.Items {
			if item.Kind == NodeTruncated || item.Kind == NodeCycle || item.Kind == NodeUnreadable {
				continue
			}
			if d := depthOf(item) + 1; d > max {
				max = d
			}
		}
		return max
	case NodeMapping:
		max := 0
		for _, f := range n.Fields {
			if f.Value.Kind == NodeTruncated || f.Value.Kind == NodeCycle || f.Value.Kind == NodeUnreadable {
				continue
			}
			if d := depthOf(f.Value) + 1; d > max {
				max = d
			}
		}
		return max
	default:
		return 0
	}
}

func TestProperty_Serialize_DepthNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := genValue(rt, "root", 6)
		maxDepth := rapid.IntRange(0, 6).Draw(rt, "maxDepth")

		n := Serialize(v, maxDepth)
		assert.LessOrEqual(rt, depthOf(n), maxDepth)

		_, err := json.Marshal(n)
		require.NoError(rt, err)
	})
}

func TestProperty_Serialize_PrimitivesAreIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxDepth := rapid.IntRange(-2, 8).Draw(rt, "maxDepth")
		s := rapid.String().Draw(rt, "s")
		i := rapid.Int64().Draw(rt, "i")
		b := rapid.Bool().Draw(rt, "b")

		assert.Equal(rt, Primitive(s), Serialize(s, maxDepth))
		assert.Equal(rt, Primitive(i), Serialize(i, maxDepth))
		assert.Equal(rt, Primitive(b), Serialize(b, maxDepth))
		assert.True(rt, Serialize(nil, maxDepth).IsNull())
	})
}

func TestProperty_Serialize_ReserializeIsNoOp(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := genValue(rt, "root", 5)
		maxDepth := rapid.IntRange(1, 5).Draw(rt, "maxDepth")

		first := Serialize(v, maxDepth)
		second := Serialize(first.Interface(), maxDepth)

		a, err := json.Marshal(first.Interface())
		require.NoError(rt, err)
		b, err := json.Marshal(second.Interface())
		require.NoError(rt, err)
		assert.JSONEq(rt, string(a), string(b))
	})
}

func TestProperty_Serialize_SelfReferenceTerminates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chain := rapid.IntRange(1, 5).Draw(rt, "chain")
		maxDepth := rapid.IntRange(chain+1, chain+4).Draw(rt, "maxDepth")

		root := map[string]any{}
		cur := root
		for i := 1; i < chain; i++ {
			next := map[string]any{}
			cur["next"] = next
			cur = next
		}
		cur["next"] = root

		n, stats := SerializeWithStats(root, maxDepth)
		assert.Equal(rt, 1, stats.Cycles)

		// Walk down to the edge that closes the loop.
		for i := 0; i < chain; i++ {
			var ok bool
			n, ok = n.Get("next")
			require.True(rt, ok)
		}
		assert.Equal(rt, NodeCycle, n.Kind)
	})
}

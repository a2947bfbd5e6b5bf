package expression

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) Pointer {
	t.Helper()
	expr, err := Parse([]byte(text))
	require.NoError(t, err)
	require.NotNil(t, expr)
	return expr
}

func TestFromJSONRoundTrip(t *testing.T) {
	cases := []string{
		`null`,
		`true`,
		`false`,
		`0`,
		`42`,
		`-1.5`,
		`""`,
		`"hello"`,
		`[]`,
		`[1, "two", [3], null]`,
		`{}`,
		`{"a": 1, "b": {"c": [true, {"d": "e"}]}}`,
	}
	for _, text := range cases {
		t.Run(text, func(t *testing.T) {
			expr := mustParse(t, text)
			var want any
			require.NoError(t, json.Unmarshal([]byte(text), &want))
			assert.Equal(t, want, expr.ToJSON(SerializeAll))
		})
	}
}

func TestFromJSONRejectsNonFinite(t *testing.T) {
	assert.Nil(t, FromJSON(math.Inf(1)))
	assert.Nil(t, FromJSON([]any{1.0, math.NaN()}))
	assert.Nil(t, FromJSON(map[string]any{"x": math.Inf(-1)}))
}

func TestSelectors(t *testing.T) {
	expr := mustParse(t, `{"s": "x", "n": 3, "l": [1, 2]}`)

	s, err := mustIndex(t, expr, "s").AsString()
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	n, err := mustIndex(t, expr, "n").AsNumber()
	require.NoError(t, err)
	assert.Equal(t, 3.0, n)

	_, err = mustIndex(t, expr, "l").AsString()
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)

	_, err = expr.Index("missing")
	assert.ErrorAs(t, err, &typeErr)
	assert.ErrorContains(t, err, "does not contain key")

	elem, err := mustIndex(t, expr, "l").At(1)
	require.NoError(t, err)
	assert.True(t, elem.Equal(Number(2)))

	_, err = mustIndex(t, expr, "l").At(2)
	assert.ErrorContains(t, err, "out of bounds")
}

func mustIndex(t *testing.T, expr Pointer, key string) Pointer {
	t.Helper()
	value, err := expr.Index(key)
	require.NoError(t, err)
	return value
}

func TestHashDeterminism(t *testing.T) {
	a := mustParse(t, `{"x": 1, "y": [true, "s"]}`)
	b := mustParse(t, `{"x": 1, "y": [true, "s"]}`)
	assert.Equal(t, a.ToHash().Hex(), b.ToHash().Hex())
}

func TestHashIndependentOfMapOrder(t *testing.T) {
	a := mustParse(t, `{"x": 1, "y": 2}`)
	b := mustParse(t, `{"y": 2, "x": 1}`)
	assert.Equal(t, a.ID(), b.ID())
}

func TestHashSensitivity(t *testing.T) {
	base := mustParse(t, `{"x": 1, "y": [true, "s"]}`)
	ids := map[string]bool{base.ID(): true}
	for _, text := range []string{
		`{"x": 2, "y": [true, "s"]}`,
		`{"x": 1, "y": [false, "s"]}`,
		`{"x": 1, "y": [true, "t"]}`,
		`{"x": 1, "z": [true, "s"]}`,
		`{"x": 1}`,
	} {
		id := mustParse(t, text).ID()
		assert.False(t, ids[id], "hash collision for %s", text)
		ids[id] = true
	}
}

func TestHashDistinguishesVariants(t *testing.T) {
	// The sigil prefixes keep opaque variants apart from plain values
	// with the same serialisation.
	name := FromName(NamedEntity("r", "m", "n", RefTarget))
	plain := FromJSON(name.ToJSON(SerializeAll))
	require.NotNil(t, plain)
	assert.NotEqual(t, name.ID(), plain.ID())
}

func TestHashConcurrentPublication(t *testing.T) {
	expr := mustParse(t, `{"a": [1, 2, 3], "b": {"c": "d"}}`)
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = expr.ID()
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestIsCacheable(t *testing.T) {
	t.Run("plain values are cacheable", func(t *testing.T) {
		assert.True(t, mustParse(t, `{"a": [1, "x", null]}`).IsCacheable())
	})

	t.Run("names are not cacheable", func(t *testing.T) {
		name := FromName(NamedEntity("r", "m", "n", RefTarget))
		assert.False(t, name.IsCacheable())
	})

	t.Run("recursion through lists and maps", func(t *testing.T) {
		name := FromName(NamedEntity("r", "m", "n", RefTarget))
		inList := List([]Pointer{Number(1), name})
		assert.False(t, inList.IsCacheable())

		inMap := Map(map[string]Pointer{"deep": Map(map[string]Pointer{"leaf": name})})
		assert.False(t, inMap.IsCacheable())
	})

	t.Run("non-cacheable results propagate", func(t *testing.T) {
		name := FromName(NamedEntity("r", "m", "n", RefTarget))
		provides := Map(map[string]Pointer{"p": name})
		result := FromResult(NewTargetResult(EmptyMap, provides, EmptyMap))
		assert.False(t, result.IsCacheable())
		assert.False(t, List([]Pointer{result}).IsCacheable())

		cacheable := FromResult(NewTargetResult(EmptyMap, EmptyMap, EmptyMap))
		assert.True(t, cacheable.IsCacheable())
	})
}

func TestToJSONModes(t *testing.T) {
	artifact := FromArtifact(LocalArtifact("src/a.c", "main"))
	node := FromNode(ValueNode(FromResult(NewTargetResult(EmptyMap, EmptyMap, EmptyMap))))

	t.Run("null for non-json", func(t *testing.T) {
		assert.Nil(t, artifact.ToJSON(NullForNonJSON))
		assert.Nil(t, node.ToJSON(NullForNonJSON))
	})

	t.Run("serialize all but nodes", func(t *testing.T) {
		projected := node.ToJSON(SerializeAllButNodes)
		obj, ok := projected.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "NODE", obj["type"])
		assert.Equal(t, node.ID(), obj["id"])
	})

	t.Run("artifact wire form", func(t *testing.T) {
		obj, ok := artifact.ToJSON(SerializeAll).(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "LOCAL", obj["type"])
	})
}

func TestEqualStructural(t *testing.T) {
	assert.True(t, mustParse(t, `[1, {"a": true}]`).Equal(mustParse(t, `[1, {"a": true}]`)))
	assert.False(t, mustParse(t, `[1]`).Equal(mustParse(t, `[1, 2]`)))
	assert.False(t, String("1").Equal(Number(1)))
}

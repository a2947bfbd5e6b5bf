package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustConfig(t *testing.T, text string) Configuration {
	t.Helper()
	conf, err := NewConfiguration(mustParse(t, text))
	require.NoError(t, err)
	return conf
}

func TestConfigurationLookup(t *testing.T) {
	conf := mustConfig(t, `{"CC": "gcc", "DEBUG": null}`)
	assert.True(t, conf.Lookup("CC").Equal(String("gcc")))
	assert.True(t, conf.Lookup("DEBUG").IsNone())
	assert.True(t, conf.Lookup("missing").IsNone())
}

func TestConfigurationVariableFixed(t *testing.T) {
	conf := mustConfig(t, `{"CC": "gcc", "DEBUG": null}`)
	assert.True(t, conf.VariableFixed("CC"))
	assert.True(t, conf.VariableFixed("DEBUG"), "null entries still fix the variable")
	assert.False(t, conf.VariableFixed("missing"))
}

func TestConfigurationPrune(t *testing.T) {
	conf := mustConfig(t, `{"A": 1, "B": 2, "C": 3}`)
	pruned := conf.Prune([]string{"A", "C", "D"})
	assert.True(t, pruned.Lookup("A").Equal(Number(1)))
	assert.True(t, pruned.Lookup("C").Equal(Number(3)))
	assert.True(t, pruned.Lookup("B").IsNone())
	assert.False(t, pruned.VariableFixed("B"))
	assert.False(t, pruned.VariableFixed("D"), "absent variables stay absent")

	t.Run("pruning is idempotent on kept vars", func(t *testing.T) {
		again := pruned.Prune([]string{"A", "C", "D"})
		assert.Equal(t, pruned.ID(), again.ID())
	})

	t.Run("configs agreeing on kept vars prune equal", func(t *testing.T) {
		other := mustConfig(t, `{"A": 1, "C": 3, "X": 9}`)
		assert.Equal(t, pruned.ID(), other.Prune([]string{"A", "C", "D"}).ID())
	})
}

func TestConfigurationUpdate(t *testing.T) {
	conf := mustConfig(t, `{"A": 1, "B": 2}`)
	updated, err := conf.Update(mustParse(t, `{"B": 3, "C": 4}`))
	require.NoError(t, err)
	assert.True(t, updated.Lookup("A").Equal(Number(1)))
	assert.True(t, updated.Lookup("B").Equal(Number(3)))
	assert.True(t, updated.Lookup("C").Equal(Number(4)))

	t.Run("null overlay entries fix the variable", func(t *testing.T) {
		cleared, err := conf.Update(mustParse(t, `{"A": null}`))
		require.NoError(t, err)
		assert.True(t, cleared.Lookup("A").IsNone())
		assert.True(t, cleared.VariableFixed("A"))
	})

	t.Run("non-map overlay is rejected", func(t *testing.T) {
		_, err := conf.Update(mustParse(t, `[1]`))
		assert.Error(t, err)
	})

	t.Run("original is unchanged", func(t *testing.T) {
		assert.True(t, conf.Lookup("B").Equal(Number(2)))
	})
}

func TestConfigurationHash(t *testing.T) {
	a := mustConfig(t, `{"A": 1, "B": 2}`)
	b := mustConfig(t, `{"B": 2, "A": 1}`)
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), mustConfig(t, `{"A": 1}`).ID())
}

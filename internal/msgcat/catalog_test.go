package msgcat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMessagesRender(t *testing.T) {
	c := MustDefault()
	out, err := c.Render("game.end.resign", map[string]any{"Winner": "CheeseBot", "Loser": "opp"})
	require.NoError(t, err)
	assert.Equal(t, "opp resigned. CheeseBot wins.", out)

	for _, key := range []string{"game.end.mate", "game.end.aborted", "game.error.stream", "schedule.outside_hours", "orchestrator.restart"} {
		assert.True(t, c.Has(key), key)
	}
}

func TestMissingDataFallsBack(t *testing.T) {
	c := MustDefault()
	_, err := c.Render("game.end.mate", map[string]any{})
	assert.Error(t, err)
	assert.Equal(t, "fallback", c.Text("game.end.mate", map[string]any{}, "fallback"))
	assert.Equal(t, "fallback", c.Text("no.such.key", nil, "fallback"))

	var nilCat *Catalog
	assert.Equal(t, "x", nilCat.Text("game.end.draw", nil, "x"))
}

func TestOverrideDirReplacesKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("game:\n  end:\n    draw: \"Split point.\"\n"), 0o644))
	c, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, "Split point.", c.Text("game.end.draw", nil, ""))
	assert.Equal(t, "The game was aborted.", c.Text("game.end.aborted", nil, ""))
}

func TestDuplicateOverrideKeysRejected(t *testing.T) {
	dir := t.TempDir()
	body := []byte("orchestrator:\n  seeking: \"x\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), body, 0o644))
	_, err := New(dir)
	assert.ErrorContains(t, err, "duplicate override key")
}

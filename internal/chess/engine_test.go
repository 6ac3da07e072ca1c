package chess

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeEngine = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go*)
      echo "info depth 1 multipv 1 score cp 35 pv e7e5 g1f3"
      echo "bestmove e7e5"
      ;;
  esac
done
`

func TestEngineChoosesCandidateFromSearch(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake engine needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fakefish")
	require.NoError(t, os.WriteFile(path, []byte(fakeEngine), 0o755))

	engine, err := NewEngine(path, nil)
	require.NoError(t, err)
	defer engine.Close()
	engine.SetRandomSeed(1)

	pos, err := Replay(StartPos, []string{"e2e4"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	choice, err := engine.ChooseMove(ctx, pos, 2700)
	require.NoError(t, err)
	assert.Equal(t, "e7e5", choice.Move)
	assert.Equal(t, 35, choice.EvalCP)
	assert.Equal(t, SourceEngine, choice.Source)
}

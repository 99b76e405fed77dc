package engine_test

import (
	"testing"

	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/engine/gomoku"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := engine.NewRegistry(gomoku.New())

	e, ok := reg.Lookup(gomoku.GameType)
	require.True(t, ok)
	assert.Equal(t, gomoku.GameType, e.GameType())

	_, ok = reg.Lookup("chess")
	assert.False(t, ok)

	err := reg.Register(gomoku.New())
	assert.Error(t, err, "重複註冊應該失敗")

	assert.Equal(t, []string{gomoku.GameType}, reg.GameTypes())
}

func TestSequentialSeats(t *testing.T) {
	seats := engine.SequentialSeats([]string{"a", "b", "c"})

	require.Len(t, seats, 3)
	for i, s := range seats {
		assert.Equal(t, i, s.Index)
	}
	assert.Equal(t, "c", seats[2].PlayerID)
}

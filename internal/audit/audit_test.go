package audit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/audit"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/engine/gomoku"
	"github.com/koopa0/turnroom/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var base = time.Date(2025, 1, 2, 3, 4, 5, 123456789, time.UTC)

func snapshot(id string) room.Snapshot {
	return room.Snapshot{ID: id, GameType: gomoku.GameType, Visibility: room.VisibilityPublic, CreatedAt: base}
}

func event(seq uint64, typ, payload string) room.Event {
	return room.Event{
		Sequence:  seq,
		Type:      typ,
		Payload:   json.RawMessage(payload),
		Timestamp: base.Add(time.Duration(seq) * time.Millisecond),
	}
}

func TestAppendEvent_Chain(t *testing.T) {
	log := audit.NewLog(testLogger())
	snap := snapshot("r1")

	first, err := log.AppendEvent(snap, event(1, "room_created", `{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, audit.GenesisHash, first.PrevHash)
	assert.Len(t, first.Hash, 64)

	second, err := log.AppendEvent(snap, event(2, "player_joined", `{"playerId":"p2"}`))
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)

	_, err = log.AppendEvent(snap, event(2, "player_joined", `{}`))
	assert.Error(t, err, "重複序號")

	rp, err := log.Replay("r1")
	require.NoError(t, err)
	assert.Equal(t, gomoku.GameType, rp.GameType)
	assert.Equal(t, 2, rp.Integrity.EventCount)
	assert.Equal(t, second.Hash, rp.Integrity.TailHash)
	require.NoError(t, audit.VerifyChain(rp.Entries))
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := audit.Entry{Sequence: 7, Type: "x", Payload: json.RawMessage(`{"k": 1}`), Timestamp: base, PrevHash: audit.GenesisHash}
	other := e
	other.Timestamp = base.In(time.FixedZone("UTC+8", 8*3600))
	assert.Equal(t, audit.ComputeHash(e), audit.ComputeHash(other), "時區不影響雜湊")

	other.Payload = json.RawMessage(`{"k":1}`)
	assert.Equal(t, audit.ComputeHash(e), audit.ComputeHash(other), "空白不影響雜湊")

	other.Payload = json.RawMessage(`{"k":2}`)
	assert.NotEqual(t, audit.ComputeHash(e), audit.ComputeHash(other))
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	log := audit.NewLog(testLogger())
	snap := snapshot("r1")
	for i := uint64(1); i <= 5; i++ {
		_, err := log.AppendEvent(snap, event(i, "e", fmt.Sprintf(`{"i":%d}`, i)))
		require.NoError(t, err)
	}
	rp, err := log.Replay("r1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		tamper func([]audit.Entry) []audit.Entry
		reason string
	}{
		{
			name:   "payload edited",
			tamper: func(es []audit.Entry) []audit.Entry { es[2].Payload = json.RawMessage(`{"i":99}`); return es },
			reason: "hash mismatch",
		},
		{
			name:   "entry removed",
			tamper: func(es []audit.Entry) []audit.Entry { return append(es[:1], es[2:]...) },
			reason: "prevHash mismatch",
		},
		{
			name:   "entries swapped",
			tamper: func(es []audit.Entry) []audit.Entry { es[1], es[2] = es[2], es[1]; return es },
			reason: "prevHash mismatch",
		},
		{
			name:   "entry duplicated",
			tamper: func(es []audit.Entry) []audit.Entry { return append(es, es[len(es)-1]) },
			reason: "sequence not increasing",
		},
		{
			name: "hash recomputed without relinking",
			tamper: func(es []audit.Entry) []audit.Entry {
				es[0].Type = "forged"
				es[0].Hash = audit.ComputeHash(es[0])
				return es
			},
			reason: "prevHash mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]audit.Entry, len(rp.Entries))
			copy(entries, rp.Entries)
			err := audit.VerifyChain(tt.tamper(entries))
			var ce *audit.ChainError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.reason, ce.Reason)
		})
	}
}

func TestReplay_KeepsResultAfterReset(t *testing.T) {
	log := audit.NewLog(testLogger())
	snap := snapshot("r1")
	_, err := log.AppendEvent(snap, event(1, "room_created", `{}`))
	require.NoError(t, err)

	finished := snap
	finished.Result = &engine.Result{WinnerSeats: []int{1}, Reason: "five_in_a_row"}
	_, err = log.AppendEvent(finished, event(2, "match_result", `{}`))
	require.NoError(t, err)

	// 玩家離開後房間重置，snapshot 不再帶結果
	_, err = log.AppendEvent(snap, event(3, "room_reset", `{}`))
	require.NoError(t, err)

	rp, err := log.Replay("r1")
	require.NoError(t, err)
	require.NotNil(t, rp.Result)
	assert.Equal(t, []int{1}, rp.Result.WinnerSeats)

	_, err = log.Replay("missing")
	assert.Equal(t, apperr.RoomNotFound, apperr.CodeOf(err))
}

// memoryExporter 記錄收到的紀錄
type memoryExporter struct {
	mu      sync.Mutex
	entries map[string][]audit.Entry
}

func (m *memoryExporter) Name() string { return "memory" }

func (m *memoryExporter) Export(_ context.Context, roomID string, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]audit.Entry)
	}
	m.entries[roomID] = append(m.entries[roomID], e)
	return nil
}

func TestExporter_ReceivesEntriesInOrder(t *testing.T) {
	exp := &memoryExporter{}
	log := audit.NewLog(testLogger(), exp)

	for i := uint64(1); i <= 20; i++ {
		_, err := log.AppendEvent(snapshot("r1"), event(i, "e", `{}`))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, log.Close(ctx))

	exp.mu.Lock()
	defer exp.mu.Unlock()
	got := exp.entries["r1"]
	require.Len(t, got, 20)
	require.NoError(t, audit.VerifyChain(got))

	// 關閉後追加仍寫入記憶體，只是不匯出
	_, err := log.AppendEvent(snapshot("r1"), event(21, "e", `{}`))
	assert.NoError(t, err)
}

// 透過房間管理器產生的真實事件驗證整條鏈
func TestLog_AsRoomListener(t *testing.T) {
	log := audit.NewLog(testLogger())
	rooms := room.NewManager(engine.NewRegistry(gomoku.New()), room.ManagerOptions{
		Listeners: []room.EventListener{log},
	}, testLogger())
	defer rooms.Stop()

	ctx := context.Background()
	snap, _, err := rooms.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	_, err = rooms.SetPlayerReady(ctx, snap.ID, "p1")
	require.NoError(t, err)
	_, err = rooms.SetPlayerReady(ctx, snap.ID, "p2")
	require.NoError(t, err)
	_, err = rooms.ApplyPlayerAction(ctx, room.ActionRequest{
		RoomID: snap.ID, PlayerID: "p1", Action: json.RawMessage(`{"x":7,"y":7}`),
	})
	require.NoError(t, err)

	current, err := rooms.GetRoom(snap.ID)
	require.NoError(t, err)

	rp, err := log.Replay(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, int(current.Sequence), rp.Integrity.EventCount)
	require.NoError(t, audit.VerifyChain(rp.Entries))
	for i, e := range rp.Entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

package room_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/engine/gomoku"
	"github.com/koopa0/turnroom/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder 收集所有房間事件
type recorder struct {
	mu     sync.Mutex
	events map[string][]room.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]room.Event)}
}

func (r *recorder) OnRoomEvents(snap room.Snapshot, events []room.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[snap.ID] = append(r.events[snap.ID], events...)
}

func (r *recorder) forRoom(id string) []room.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]room.Event(nil), r.events[id]...)
}

type stubBans map[string]bool

func (s stubBans) IsBanned(_ context.Context, id string) (bool, error) { return s[id], nil }

type stubBlocks map[[2]string]bool

func (s stubBlocks) IsBlocked(_ context.Context, a, b string) (bool, error) {
	return s[[2]string{a, b}] || s[[2]string{b, a}], nil
}

func newManager(t *testing.T, opts room.ManagerOptions) *room.Manager {
	t.Helper()
	if opts.DefaultPolicy == (room.SpectatorPolicy{}) {
		opts.DefaultPolicy = room.SpectatorPolicy{Allow: true, Limit: 2}
	}
	m := room.NewManager(engine.NewRegistry(gomoku.New(), panicEngine{gomoku.New()}), opts, testLogger())
	t.Cleanup(m.Stop)
	return m
}

func createRoom(t *testing.T, m *room.Manager, players ...string) room.Snapshot {
	t.Helper()
	snap, _, err := m.CreateRoom(context.Background(), room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: players})
	require.NoError(t, err)
	return snap
}

// startedRoom 建立 p1、p2 的房間並開局
func startedRoom(t *testing.T, m *room.Manager) string {
	t.Helper()
	ctx := context.Background()
	snap := createRoom(t, m, "p1", "p2")
	_, err := m.SetPlayerReady(ctx, snap.ID, "p1")
	require.NoError(t, err)
	_, err = m.SetPlayerReady(ctx, snap.ID, "p2")
	require.NoError(t, err)
	return snap.ID
}

func moveJSON(x, y int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"x":%d,"y":%d}`, x, y))
}

func frame(n uint64) *uint64 { return &n }

func types(events []room.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func moves(t *testing.T, m *room.Manager, roomID string) int {
	t.Helper()
	ps, err := m.BuildPublicState(roomID, "p1")
	require.NoError(t, err)
	return ps.Game.(map[string]any)["moves"].(int)
}

func TestCreateRoom(t *testing.T) {
	tests := []struct {
		name     string
		params   room.CreateRoomParams
		wantCode apperr.Code
		validate func(t *testing.T, snap room.Snapshot, events []room.Event)
	}{
		{
			name:   "public room",
			params: room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1", "p2"}},
			validate: func(t *testing.T, snap room.Snapshot, events []room.Event) {
				assert.Equal(t, room.StatusWaiting, snap.Status)
				assert.Equal(t, "p1", snap.OwnerID)
				assert.Equal(t, []string{"p1", "p2"}, snap.PlayerIDs())
				assert.Equal(t, 1, snap.Players[1].Seat)
				assert.Empty(t, snap.InviteCode)
				require.Len(t, events, 1)
				assert.Equal(t, "room_created", events[0].Type)
				assert.Equal(t, uint64(1), snap.Sequence)
			},
		},
		{
			name:   "private room gets invite code",
			params: room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: room.VisibilityPrivate},
			validate: func(t *testing.T, snap room.Snapshot, _ []room.Event) {
				assert.Len(t, snap.InviteCode, 6)
				assert.NotContains(t, snap.InviteCode, "O")
				assert.NotContains(t, snap.InviteCode, "0")
			},
		},
		{name: "unknown game", params: room.CreateRoomParams{GameType: "chess", PlayerIDs: []string{"p1"}}, wantCode: apperr.GameUnsupported},
		{name: "no players", params: room.CreateRoomParams{GameType: gomoku.GameType}, wantCode: apperr.RoomEmpty},
		{name: "too many players", params: room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"a", "b", "c"}}, wantCode: apperr.RoomFull},
		{name: "banned player", params: room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1", "cheater"}}, wantCode: apperr.PlayerBanned},
		{name: "bad visibility", params: room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: "secret"}, wantCode: apperr.BadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, room.ManagerOptions{Bans: stubBans{"cheater": true}})
			snap, events, err := m.CreateRoom(context.Background(), tt.params)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			tt.validate(t, snap, events)
		})
	}
}

func TestCreateRoom_InviteCodeExhausted(t *testing.T) {
	m := newManager(t, room.ManagerOptions{
		InviteCodes: func(int) (string, error) { return "AAAAAA", nil },
	})
	ctx := context.Background()

	_, _, err := m.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: room.VisibilityPrivate})
	require.NoError(t, err)

	_, _, err = m.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p2"}, Visibility: room.VisibilityPrivate})
	assert.Equal(t, apperr.InviteCodeExhausted, apperr.CodeOf(err))

	_, ok := m.RoomOf("p2")
	assert.False(t, ok, "失敗的房間不應保留玩家紀錄")
}

func TestCreateRoom_AlreadyInRoom(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	createRoom(t, m, "p1")

	_, _, err := m.CreateRoom(context.Background(), room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1", "p2"}})
	assert.Equal(t, apperr.AlreadyInRoom, apperr.CodeOf(err))
}

func TestJoinRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("join by invite code", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap, _, err := m.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: room.VisibilityPrivate})
		require.NoError(t, err)

		events, err := m.JoinRoom(ctx, room.JoinParams{InviteCode: snap.InviteCode, PlayerID: "p2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"player_joined"}, types(events))

		got, err := m.GetRoom(snap.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, got.PlayerIDs())
	})

	t.Run("private room without code", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap, _, err := m.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: room.VisibilityPrivate})
		require.NoError(t, err)

		_, err = m.JoinRoom(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "p2"})
		assert.Equal(t, apperr.RoomInviteInvalid, apperr.CodeOf(err))

		_, err = m.JoinRoom(ctx, room.JoinParams{InviteCode: "ZZZZZZ", PlayerID: "p2"})
		assert.Equal(t, apperr.RoomInviteInvalid, apperr.CodeOf(err))
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap := createRoom(t, m, "p1")

		events, err := m.JoinRoom(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "p1"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("room full", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap := createRoom(t, m, "p1", "p2")

		_, err := m.JoinRoom(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "p3"})
		assert.Equal(t, apperr.RoomFull, apperr.CodeOf(err))
	})

	t.Run("blocked", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{Blocks: stubBlocks{{"p1", "troll"}: true}})
		snap := createRoom(t, m, "p1")

		_, err := m.JoinRoom(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "troll"})
		assert.Equal(t, apperr.RoomPlayerBlocked, apperr.CodeOf(err))
	})

	t.Run("already seated elsewhere", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		createRoom(t, m, "p1")
		other := createRoom(t, m, "p2")

		_, err := m.JoinRoom(ctx, room.JoinParams{RoomID: other.ID, PlayerID: "p1"})
		assert.Equal(t, apperr.AlreadyInRoom, apperr.CodeOf(err))
	})

	t.Run("active room", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		roomID := startedRoom(t, m)

		_, err := m.JoinRoom(ctx, room.JoinParams{RoomID: roomID, PlayerID: "p3"})
		assert.Equal(t, apperr.RoomAlreadyActive, apperr.CodeOf(err))
	})

	t.Run("unknown room", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		_, err := m.JoinRoom(ctx, room.JoinParams{RoomID: "nope", PlayerID: "p1"})
		assert.Equal(t, apperr.RoomNotFound, apperr.CodeOf(err))
	})
}

func TestSetPlayerReady_AutoStarts(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	snap := createRoom(t, m, "p1", "p2")

	events, err := m.SetPlayerReady(ctx, snap.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"player_ready"}, types(events))

	events, err = m.SetPlayerReady(ctx, snap.ID, "p1")
	require.NoError(t, err)
	assert.Empty(t, events, "重複準備不產生事件")

	events, err = m.SetPlayerReady(ctx, snap.ID, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"player_ready", "match_started", "turn_started"}, types(events))

	var turn engine.TurnInfo
	require.NoError(t, json.Unmarshal(events[2].Payload, &turn))
	assert.Equal(t, 0, turn.Seat)
	assert.Equal(t, "p1", turn.PlayerID)

	got, err := m.GetRoom(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusActive, got.Status)

	_, err = m.SetPlayerReady(ctx, snap.ID, "p1")
	assert.Equal(t, apperr.RoomAlreadyActive, apperr.CodeOf(err))
}

func TestStartMatch_NotEnoughPlayers(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	snap := createRoom(t, m, "p1")

	_, err := m.StartMatch(context.Background(), snap.ID)
	assert.Equal(t, apperr.RoomNotEnoughPlayers, apperr.CodeOf(err))
}

func TestApplyPlayerAction_FrameMonotonicity(t *testing.T) {
	anomalies := anticheat.NewMonitor(testLogger())
	m := newManager(t, room.ManagerOptions{Anomalies: anomalies})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	_, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(7, 7), Frame: frame(1)})
	require.NoError(t, err)
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(0, 0), Frame: frame(1)})
	require.NoError(t, err)

	tests := []struct {
		name     string
		frame    uint64
		wantCode apperr.Code
	}{
		{name: "replayed", frame: 1, wantCode: apperr.ActionFrameReplayed},
		{name: "skipped", frame: 3, wantCode: apperr.ActionFrameOutOfSync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(8, 8), Frame: frame(tt.frame)})
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
			assert.NotEmpty(t, res.Fingerprint)
			require.Len(t, res.Events, 1)
			assert.Equal(t, "action_rejected", res.Events[0].Type)
			assert.Nil(t, res.Events[0].Audience, "守衛拒絕對全房間可見")
			assert.Equal(t, 2, moves(t, m, roomID), "被拒絕的動作不改變棋盤")
		})
	}

	res, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(8, 8), Frame: frame(2)})
	require.NoError(t, err)
	assert.Equal(t, "action_applied", res.Events[0].Type)
	assert.Equal(t, 3, moves(t, m, roomID))

	last, err := m.LastFrame(roomID, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	reports := anomalies.List(anticheat.Filter{RoomID: roomID, MinSeverity: anticheat.SeverityWarning})
	assert.Len(t, reports, 2)
}

func TestApplyPlayerAction_Idempotency(t *testing.T) {
	anomalies := anticheat.NewMonitor(testLogger())
	m := newManager(t, room.ManagerOptions{Anomalies: anomalies})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	_, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(7, 7), IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(0, 0)})
	require.NoError(t, err)

	// 相同 key、不同內容仍然是重複
	res, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(9, 9), IdempotencyKey: "k1"})
	assert.Equal(t, apperr.ActionDuplicate, apperr.CodeOf(err))
	assert.Equal(t, 2, moves(t, m, roomID))

	report, ok := anomalies.Get(res.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, anticheat.SeverityInfo, report.Severity)
	assert.Equal(t, anticheat.KindDuplicate, report.Kind)
}

func TestApplyPlayerAction_GuardSurvivesRematch(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	_, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(0, 0), Frame: frame(1), IdempotencyKey: "k1"})
	require.NoError(t, err)

	// p2 離開再回來，兩人重新準備後開新局
	events, err := m.LeaveRoom(ctx, roomID, "p2")
	require.NoError(t, err)
	assert.Contains(t, types(events), "room_reset")
	_, err = m.JoinRoom(ctx, room.JoinParams{RoomID: roomID, PlayerID: "p2"})
	require.NoError(t, err)
	_, err = m.SetPlayerReady(ctx, roomID, "p1")
	require.NoError(t, err)
	_, err = m.SetPlayerReady(ctx, roomID, "p2")
	require.NoError(t, err)

	snap, err := m.GetRoom(roomID)
	require.NoError(t, err)
	require.Equal(t, room.StatusActive, snap.Status)

	tests := []struct {
		name     string
		frame    uint64
		key      string
		wantCode apperr.Code
	}{
		{name: "same key and frame", frame: 1, key: "k1", wantCode: apperr.ActionDuplicate},
		{name: "new key old frame", frame: 1, key: "k2", wantCode: apperr.ActionFrameReplayed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(5, 5), Frame: frame(tt.frame), IdempotencyKey: tt.key})
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
			assert.Equal(t, 0, moves(t, m, roomID), "新局棋盤不受影響")
		})
	}

	last, err := m.LastFrame(roomID, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(5, 5), Frame: frame(2), IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, 1, moves(t, m, roomID))
}

func TestApplyPlayerAction_EngineRejectKeepsFrame(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	// 不是 p2 的回合，frame 1 不會被消耗
	_, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(7, 7), Frame: frame(1)})
	assert.Equal(t, apperr.ActionInvalid, apperr.CodeOf(err))

	last, err := m.LastFrame(roomID, "p2")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(7, 7), Frame: frame(1)})
	require.NoError(t, err)
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(6, 6), Frame: frame(1)})
	assert.NoError(t, err)
}

func TestApplyPlayerAction_EngineRejectTargetsActor(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	roomID := startedRoom(t, m)

	res, err := m.ApplyPlayerAction(context.Background(), room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(7, 7), IdempotencyKey: "k"})
	assert.Equal(t, apperr.ActionInvalid, apperr.CodeOf(err))
	assert.Equal(t, gomoku.RejectNotYourTurn, apperr.DetailOf(err))
	require.Len(t, res.Events, 1)
	assert.Equal(t, []string{"p2"}, res.Events[0].Audience)

	// key 只在引擎接受後記錄，修正後可以重送
	_, err = m.ApplyPlayerAction(context.Background(), room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(7, 7)})
	require.NoError(t, err)
	_, err = m.ApplyPlayerAction(context.Background(), room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(6, 6), IdempotencyKey: "k"})
	assert.NoError(t, err)
}

func TestApplyPlayerAction_Membership(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	_, err := m.JoinAsSpectator(ctx, room.JoinParams{RoomID: roomID, PlayerID: "viewer"})
	require.NoError(t, err)

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "viewer", Action: moveJSON(1, 1)})
	assert.Equal(t, apperr.RoomSpectatorForbidden, apperr.CodeOf(err))

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "stranger", Action: moveJSON(1, 1)})
	assert.Equal(t, apperr.RoomNotMember, apperr.CodeOf(err))

	waiting := createRoom(t, m, "w1", "w2")
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: waiting.ID, PlayerID: "w1", Action: moveJSON(1, 1)})
	assert.Equal(t, apperr.RoomNotActive, apperr.CodeOf(err))
}

// playWinningGame 黑棋在第 0 列連五，共九手
func playWinningGame(t *testing.T, m *room.Manager, roomID string) room.ActionResult {
	t.Helper()
	ctx := context.Background()
	var last room.ActionResult
	for i := 0; i < 5; i++ {
		res, err := m.ApplyPlayerAction(ctx, room.ActionRequest{
			RoomID: roomID, PlayerID: "p1", Action: moveJSON(i, 0),
			Frame: frame(uint64(i + 1)), IdempotencyKey: fmt.Sprintf("p1-%d", i),
		})
		require.NoError(t, err)
		last = res
		if i == 4 {
			break
		}
		_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{
			RoomID: roomID, PlayerID: "p2", Action: moveJSON(i, 1),
			Frame: frame(uint64(i + 1)), IdempotencyKey: fmt.Sprintf("p2-%d", i),
		})
		require.NoError(t, err)
	}
	return last
}

func TestApplyPlayerAction_WinAndDuplicateAfterCompletion(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	roomID := startedRoom(t, m)

	last := playWinningGame(t, m, roomID)
	assert.Equal(t, []string{"action_applied", "stone_placed", "match_result"}, types(last.Events))

	var result struct {
		WinnerSeats []int `json:"winnerSeats"`
		Draw        bool  `json:"draw"`
	}
	require.NoError(t, json.Unmarshal(last.Events[2].Payload, &result))
	assert.Equal(t, []int{0}, result.WinnerSeats)
	assert.False(t, result.Draw)

	snap, err := m.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusFinished, snap.Status)
	require.NotNil(t, snap.Result)

	res, err := m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p1", Action: moveJSON(4, 0), Frame: frame(6), IdempotencyKey: "p1-4"})
	assert.Equal(t, apperr.ActionDuplicate, apperr.CodeOf(err))
	assert.NotContains(t, types(res.Events), "match_result")

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: roomID, PlayerID: "p2", Action: moveJSON(9, 9), Frame: frame(5)})
	assert.Equal(t, apperr.RoomAlreadyFinished, apperr.CodeOf(err))
}

func TestLeaveRoom_ResetsFinishedMatch(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	roomID := startedRoom(t, m)
	playWinningGame(t, m, roomID)

	events, err := m.LeaveRoom(ctx, roomID, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"player_left", "room_reset"}, types(events))

	snap, err := m.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusWaiting, snap.Status)
	assert.Nil(t, snap.Result)
	assert.Equal(t, "p2", snap.OwnerID, "房主轉移到剩下的最小座位")
	require.Len(t, snap.Players, 1)
	assert.Equal(t, 0, snap.Players[0].Seat, "座位重新編號")
	assert.False(t, snap.Players[0].Ready)

	_, ok := m.RoomOf("p1")
	assert.False(t, ok)

	_, err = m.LeaveRoom(ctx, roomID, "p1")
	assert.Equal(t, apperr.RoomNotMember, apperr.CodeOf(err))
}

func TestFinishedSeatIsReleasedOnNewRoom(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	roomID := startedRoom(t, m)
	playWinningGame(t, m, roomID)

	next := createRoom(t, m, "p1", "p3")

	current, ok := m.RoomOf("p1")
	require.True(t, ok)
	assert.Equal(t, next.ID, current)

	old, err := m.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, old.PlayerIDs())
	assert.Equal(t, room.StatusWaiting, old.Status)
}

func TestKickPlayer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		requester string
		target    string
		wantCode  apperr.Code
		wantTypes []string
	}{
		{name: "owner kicks", requester: "p1", target: "p2", wantTypes: []string{"player_kicked"}},
		{name: "not owner", requester: "p2", target: "p1", wantCode: apperr.RoomNotOwner},
		{name: "self kick leaves", requester: "p2", target: "p2", wantTypes: []string{"player_left"}},
		{name: "unknown target", requester: "p1", target: "ghost", wantCode: apperr.RoomNotMember},
		{name: "outsider", requester: "ghost", target: "p1", wantCode: apperr.RoomNotMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, room.ManagerOptions{})
			snap := createRoom(t, m, "p1", "p2")

			events, err := m.KickPlayer(ctx, snap.ID, tt.requester, tt.target)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTypes, types(events))
		})
	}
}

func TestSpectators(t *testing.T) {
	ctx := context.Background()

	t.Run("limit and leave", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap := createRoom(t, m, "p1", "p2")

		for _, id := range []string{"s1", "s2"} {
			events, err := m.JoinAsSpectator(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: id})
			require.NoError(t, err)
			assert.Equal(t, []string{"spectator_joined"}, types(events))
		}
		_, err := m.JoinAsSpectator(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "s3"})
		assert.Equal(t, apperr.RoomSpectatorsLimit, apperr.CodeOf(err))

		events, err := m.LeaveSpectator(ctx, snap.ID, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"spectator_left"}, types(events))

		_, err = m.LeaveSpectator(ctx, snap.ID, "s1")
		assert.Equal(t, apperr.RoomNotMember, apperr.CodeOf(err))

		ps, err := m.BuildPublicState(snap.ID, "s2")
		require.NoError(t, err)
		assert.Equal(t, room.RoleSpectator, ps.Role)
	})

	t.Run("seated player cannot spectate", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap := createRoom(t, m, "p1")
		_, err := m.JoinAsSpectator(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "p1"})
		assert.Equal(t, apperr.RoomSpectatorForbidden, apperr.CodeOf(err))
	})

	t.Run("disabled", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap, _, err := m.CreateRoom(ctx, room.CreateRoomParams{
			GameType: gomoku.GameType, PlayerIDs: []string{"p1"},
			Policy: &room.SpectatorPolicy{Allow: false},
		})
		require.NoError(t, err)
		_, err = m.JoinAsSpectator(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "s1"})
		assert.Equal(t, apperr.RoomSpectatorsDisabled, apperr.CodeOf(err))
	})

	t.Run("spectator takes a seat", func(t *testing.T) {
		m := newManager(t, room.ManagerOptions{})
		snap := createRoom(t, m, "p1")
		_, err := m.JoinAsSpectator(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "s1"})
		require.NoError(t, err)

		events, err := m.JoinRoom(ctx, room.JoinParams{RoomID: snap.ID, PlayerID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"spectator_left", "player_joined"}, types(events))
	})
}

func TestBuildPublicState_PrivateRoom(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	snap, _, err := m.CreateRoom(context.Background(), room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p1"}, Visibility: room.VisibilityPrivate})
	require.NoError(t, err)

	ps, err := m.BuildPublicState(snap.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, room.RolePlayer, ps.Role)
	assert.Equal(t, snap.InviteCode, ps.Room.InviteCode)
	assert.Nil(t, ps.Game, "尚未開局沒有遊戲狀態")

	_, err = m.BuildPublicState(snap.ID, "stranger")
	assert.Equal(t, apperr.RoomNotMember, apperr.CodeOf(err))
}

// panicEngine 套用動作時 panic 的引擎
type panicEngine struct{ *gomoku.Engine }

func (panicEngine) GameType() string { return "panicky" }

func (panicEngine) ApplyAction(engine.ActionInput) (engine.Outcome, error) {
	panic("boom")
}

func TestApplyPlayerAction_EnginePanicIsRecovered(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()

	snap, _, err := m.CreateRoom(ctx, room.CreateRoomParams{GameType: "panicky", PlayerIDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	_, err = m.StartMatch(ctx, snap.ID)
	require.NoError(t, err)

	before, err := m.GetRoom(snap.ID)
	require.NoError(t, err)

	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: snap.ID, PlayerID: "p1", Action: moveJSON(1, 1)})
	assert.Equal(t, apperr.ActionInvalid, apperr.CodeOf(err))

	after, err := m.GetRoom(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusActive, after.Status)
	assert.Equal(t, before.Sequence, after.Sequence)

	// 引擎失敗不消耗 frame，同一個 frame 仍然是下一個預期值
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: snap.ID, PlayerID: "p1", Action: moveJSON(1, 1), Frame: frame(1)})
	assert.Equal(t, apperr.ActionInvalid, apperr.CodeOf(err))
	_, err = m.ApplyPlayerAction(ctx, room.ActionRequest{RoomID: snap.ID, PlayerID: "p1", Action: moveJSON(1, 1), Frame: frame(1)})
	assert.Equal(t, apperr.ActionInvalid, apperr.CodeOf(err), "重送同一個 frame 不會被當成重放")

	last, err := m.LastFrame(snap.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestReclaimIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := newManager(t, room.ManagerOptions{Now: clock, IdleTTL: time.Minute})
	ctx := context.Background()
	empty := createRoom(t, m, "p1")
	busy := createRoom(t, m, "p2")

	_, err := m.LeaveRoom(ctx, empty.ID, "p1")
	require.NoError(t, err)

	advance(30 * time.Second)
	assert.Equal(t, 0, m.ReclaimIdle())

	advance(31 * time.Second)
	assert.Equal(t, 1, m.ReclaimIdle())

	_, err = m.GetRoom(empty.ID)
	assert.Equal(t, apperr.RoomNotFound, apperr.CodeOf(err))
	_, err = m.GetRoom(busy.ID)
	assert.NoError(t, err)
}

func TestListRoomsAndStats(t *testing.T) {
	m := newManager(t, room.ManagerOptions{})
	ctx := context.Background()
	startedRoom(t, m)
	createRoom(t, m, "p3")
	_, _, err := m.CreateRoom(ctx, room.CreateRoomParams{GameType: gomoku.GameType, PlayerIDs: []string{"p4"}, Visibility: room.VisibilityPrivate})
	require.NoError(t, err)

	assert.Len(t, m.ListRooms(room.ListFilter{}), 2, "私人房間預設不列出")
	assert.Len(t, m.ListRooms(room.ListFilter{IncludePrivate: true}), 3)
	assert.Len(t, m.ListRooms(room.ListFilter{Status: room.StatusActive}), 1)

	stats := m.Stats()
	assert.Equal(t, 3, stats["total_rooms"])
	assert.Equal(t, 4, stats["total_players"])
}

func TestListenerReceivesEventsInOrder(t *testing.T) {
	rec := newRecorder()
	m := newManager(t, room.ManagerOptions{Listeners: []room.EventListener{rec}})
	roomID := startedRoom(t, m)
	playWinningGame(t, m, roomID)

	events := rec.forRoom(roomID)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}

	fromLog, err := m.Events(roomID, 0)
	require.NoError(t, err)
	assert.Equal(t, len(fromLog), len(events))
}

func TestConcurrentActions(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	rec := newRecorder()
	m := newManager(t, room.ManagerOptions{Listeners: []room.EventListener{rec}})
	ctx := context.Background()

	const rooms = 20
	var wg sync.WaitGroup
	for n := 0; n < rooms; n++ {
		snap := createRoom(t, m, fmt.Sprintf("a%d", n), fmt.Sprintf("b%d", n))
		_, err := m.StartMatch(ctx, snap.ID)
		require.NoError(t, err)

		// 兩位玩家同時狂送同一批動作，只有輪到的那一手會被接受
		for _, pid := range snap.PlayerIDs() {
			wg.Add(1)
			go func(roomID, playerID string) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_, _ = m.ApplyPlayerAction(ctx, room.ActionRequest{
						RoomID: roomID, PlayerID: playerID,
						Action:         moveJSON(i%15, i/15),
						IdempotencyKey: fmt.Sprintf("%s-%d", playerID, i),
					})
				}
			}(snap.ID, pid)
		}
	}
	wg.Wait()

	for _, snap := range m.ListRooms(room.ListFilter{}) {
		events := rec.forRoom(snap.ID)
		require.Len(t, events, int(snap.Sequence))
		for i, ev := range events {
			require.Equal(t, uint64(i+1), ev.Sequence, "room %s", snap.ID)
		}
	}
}

// Package room 管理遊戲房間的生命週期。
//
// Manager 擁有所有房間狀態：座位、觀戰者、事件序列與引擎狀態。
// 所有改變房間的操作都在該房間的鎖內完成，並把產生的事件依序號
// 交給 EventListener（稽核日誌、傳輸層）。
//
// 鎖順序：房間鎖 → Manager.mu。持有 Manager.mu 時不得取得房間鎖。
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/metrics"
)

// ManagerOptions 管理器選項
type ManagerOptions struct {
	Bans      BanChecker
	Blocks    BlockChecker
	Anomalies AnomalyRecorder
	Listeners []EventListener

	InviteCodeLength int
	InviteCodes      InviteCodeFunc
	DefaultPolicy    SpectatorPolicy

	// IdleTTL 空房間保留時間；CleanupInterval 為 0 時不啟動清理 goroutine
	IdleTTL         time.Duration
	CleanupInterval time.Duration

	Now func() time.Time
}

// Manager 房間管理器
type Manager struct {
	registry *engine.Registry
	opts     ManagerOptions

	rooms       map[string]*Room  // roomID -> Room
	inviteCodes map[string]string // inviteCode -> roomID
	playerRoom  map[string]string // playerID -> 入座的 roomID
	mu          sync.RWMutex

	listeners   []EventListener
	listenersMu sync.RWMutex

	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 建立房間管理器
func NewManager(registry *engine.Registry, opts ManagerOptions, logger *slog.Logger) *Manager {
	if opts.InviteCodeLength <= 0 {
		opts.InviteCodeLength = 6
	}
	if opts.InviteCodes == nil {
		opts.InviteCodes = RandomInviteCode
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		registry:    registry,
		opts:        opts,
		rooms:       make(map[string]*Room),
		inviteCodes: make(map[string]string),
		playerRoom:  make(map[string]string),
		listeners:   append([]EventListener(nil), opts.Listeners...),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}
	return m
}

// AddListener 註冊事件訂閱者
func (m *Manager) AddListener(l EventListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(snap Snapshot, events []Event) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.OnRoomEvents(snap, events)
	}
}

// mutate 在房間鎖內執行 fn，結束時把新事件交給訂閱者並回傳
//
// fn 回傳錯誤時已發送的事件仍會被通知（例如守衛拒絕事件）。
func (m *Manager) mutate(r *Room, fn func() error) (events []Event, err error) {
	r.mu.Lock()
	defer func() {
		events = r.pending
		r.pending = nil
		if len(events) > 0 {
			m.notify(r.snapshot(), events)
		}
		r.mu.Unlock()
	}()

	if r.closed {
		return nil, apperr.New(apperr.RoomNotFound, "room %s", r.id)
	}
	return nil, fn()
}

// emit 編碼 payload 並附加事件
func (m *Manager) emit(r *Room, typ string, payload any, audience ...string) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to encode event payload", "room_id", r.id, "type", typ, "error", err)
		raw = json.RawMessage("null")
	}
	return r.emit(m.opts.Now(), typ, raw, audience)
}

func (m *Manager) lookup(roomID string) (*Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.RoomNotFound, "room %s", roomID)
	}
	return r, nil
}

// resolve 依 room id 或邀請碼找房間，私人房間必須帶正確邀請碼
func (m *Manager) resolve(p JoinParams) (*Room, error) {
	code := strings.ToUpper(strings.TrimSpace(p.InviteCode))

	if p.RoomID == "" {
		if code == "" {
			return nil, apperr.New(apperr.BadRequest, "roomId or inviteCode is required")
		}
		m.mu.RLock()
		roomID, ok := m.inviteCodes[code]
		m.mu.RUnlock()
		if !ok {
			return nil, apperr.New(apperr.RoomInviteInvalid, "unknown invite code")
		}
		return m.lookup(roomID)
	}

	r, err := m.lookup(p.RoomID)
	if err != nil {
		return nil, err
	}
	if code != "" && code != r.inviteCode {
		return nil, apperr.New(apperr.RoomInviteInvalid, "invite code does not match room")
	}
	return r, nil
}

// requireInvite 私人房間需要邀請碼；已入座的玩家重新連線時除外
func (m *Manager) requireInvite(r *Room, p JoinParams) error {
	if r.visibility != VisibilityPrivate || strings.ToUpper(strings.TrimSpace(p.InviteCode)) == r.inviteCode {
		return nil
	}
	if roomID, ok := m.RoomOf(p.PlayerID); ok && roomID == r.id {
		return nil
	}
	return apperr.New(apperr.RoomInviteInvalid, "private room requires invite code")
}

func (m *Manager) ensureNotBanned(ctx context.Context, playerID string) error {
	if m.opts.Bans == nil {
		return nil
	}
	banned, err := m.opts.Bans.IsBanned(ctx, playerID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "ban check")
	}
	if banned {
		return apperr.New(apperr.PlayerBanned, "player %s", playerID)
	}
	return nil
}

func (m *Manager) ensureNotBlocked(ctx context.Context, playerID string, others []string) error {
	if m.opts.Blocks == nil {
		return nil
	}
	for _, other := range others {
		if other == playerID {
			continue
		}
		blocked, err := m.opts.Blocks.IsBlocked(ctx, playerID, other)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "block check")
		}
		if blocked {
			return apperr.New(apperr.RoomPlayerBlocked, "player %s", playerID)
		}
	}
	return nil
}

// releaseFinishedSeat 玩家若仍坐在已結束的房間，先離開該房間
func (m *Manager) releaseFinishedSeat(ctx context.Context, playerID, targetRoomID string) error {
	roomID, ok := m.RoomOf(playerID)
	if !ok || roomID == targetRoomID {
		return nil
	}
	snap, err := m.GetRoom(roomID)
	if err != nil {
		return nil
	}
	if snap.Status != StatusFinished {
		return apperr.New(apperr.AlreadyInRoom, "player %s is in room %s", playerID, roomID)
	}
	if _, err := m.LeaveRoom(ctx, roomID, playerID); err != nil && !apperr.HasCode(err, apperr.RoomNotMember) {
		return err
	}
	return nil
}

// CreateRoom 建立房間並依序入座
func (m *Manager) CreateRoom(ctx context.Context, p CreateRoomParams) (Snapshot, []Event, error) {
	eng, ok := m.registry.Lookup(p.GameType)
	if !ok {
		return Snapshot{}, nil, apperr.New(apperr.GameUnsupported, "game type %q", p.GameType)
	}
	if len(p.PlayerIDs) == 0 {
		return Snapshot{}, nil, apperr.New(apperr.RoomEmpty, "at least one player is required")
	}
	if len(p.PlayerIDs) > eng.MaxPlayers() {
		return Snapshot{}, nil, apperr.New(apperr.RoomFull, "%s seats at most %d players", p.GameType, eng.MaxPlayers())
	}
	seen := make(map[string]bool, len(p.PlayerIDs))
	for _, id := range p.PlayerIDs {
		if id == "" || seen[id] {
			return Snapshot{}, nil, apperr.New(apperr.BadRequest, "invalid or duplicate player id %q", id)
		}
		seen[id] = true
	}

	visibility := p.Visibility
	switch visibility {
	case "":
		visibility = VisibilityPublic
	case VisibilityPublic, VisibilityPrivate:
	default:
		return Snapshot{}, nil, apperr.New(apperr.BadRequest, "visibility %q", visibility)
	}
	policy := m.opts.DefaultPolicy
	if p.Policy != nil {
		policy = *p.Policy
	}

	for _, id := range p.PlayerIDs {
		if err := m.ensureNotBanned(ctx, id); err != nil {
			return Snapshot{}, nil, err
		}
	}
	for _, id := range p.PlayerIDs {
		if err := m.releaseFinishedSeat(ctx, id, ""); err != nil {
			return Snapshot{}, nil, err
		}
	}

	seats, err := eng.AssignSeats(p.GameType, p.PlayerIDs)
	if err != nil {
		return Snapshot{}, nil, apperr.Wrap(apperr.Internal, err, "assign seats")
	}
	if len(seats) != len(p.PlayerIDs) {
		return Snapshot{}, nil, apperr.New(apperr.Internal, "engine returned %d seats for %d players", len(seats), len(p.PlayerIDs))
	}

	now := m.opts.Now()
	r := &Room{
		id:         uuid.NewString(),
		gameType:   p.GameType,
		visibility: visibility,
		engine:     eng,
		status:     StatusWaiting,
		policy:     policy,
		spectators: make(map[string]*Spectator),
		guard:      newActionGuard(),
		createdAt:  now,
		updatedAt:  now,
	}
	for _, s := range seats {
		r.players = append(r.players, &Player{ID: s.PlayerID, Seat: s.Index, Attributes: s.Attributes, LastSeenAt: now})
	}
	r.ownerID = p.PlayerIDs[0]

	var snap Snapshot
	events, err := m.mutate(r, func() error {
		if err := m.register(r, p.PlayerIDs); err != nil {
			r.closed = true
			return err
		}
		m.emit(r, "room_created", map[string]any{
			"roomId":          r.id,
			"gameType":        r.gameType,
			"visibility":      r.visibility,
			"inviteCode":      r.inviteCode,
			"ownerId":         r.ownerID,
			"players":         r.playerViews(),
			"spectatorPolicy": r.policy,
		})
		snap = r.snapshot()
		return nil
	})
	if err != nil {
		return Snapshot{}, nil, err
	}

	metrics.RoomsCreated.Inc()
	m.logger.Info("room created",
		"room_id", r.id,
		"game_type", r.gameType,
		"visibility", r.visibility,
		"players", len(r.players))

	return snap, events, nil
}

// register 把新房間放進查詢表；呼叫者持有房間鎖
func (m *Manager) register(r *Room, playerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range playerIDs {
		if other, ok := m.playerRoom[id]; ok {
			return apperr.New(apperr.AlreadyInRoom, "player %s is in room %s", id, other)
		}
	}

	if r.visibility == VisibilityPrivate {
		code, err := m.uniqueInviteCode()
		if err != nil {
			return err
		}
		r.inviteCode = code
		m.inviteCodes[code] = r.id
	}

	m.rooms[r.id] = r
	for _, id := range playerIDs {
		m.playerRoom[id] = r.id
	}
	return nil
}

// uniqueInviteCode 呼叫者持有 m.mu
func (m *Manager) uniqueInviteCode() (string, error) {
	for i := 0; i < maxInviteAttempts; i++ {
		code, err := m.opts.InviteCodes(m.opts.InviteCodeLength)
		if err != nil {
			return "", apperr.Wrap(apperr.Internal, err, "generate invite code")
		}
		if _, taken := m.inviteCodes[code]; !taken {
			return code, nil
		}
	}
	return "", apperr.New(apperr.InviteCodeExhausted, "no free invite code after %d attempts", maxInviteAttempts)
}

// JoinRoom 入座
//
// 已在房間內的玩家重複加入視為成功（重新連線），不產生事件。
func (m *Manager) JoinRoom(ctx context.Context, p JoinParams) ([]Event, error) {
	r, err := m.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := m.requireInvite(r, p); err != nil {
		return nil, err
	}
	if err := m.ensureNotBanned(ctx, p.PlayerID); err != nil {
		return nil, err
	}
	if err := m.releaseFinishedSeat(ctx, p.PlayerID, r.id); err != nil {
		return nil, err
	}

	checked := make(map[string]bool)
	for attempt := 0; attempt < 3; attempt++ {
		members, err := m.memberIDs(r)
		if err != nil {
			return nil, err
		}
		var unchecked []string
		for _, id := range members {
			if !checked[id] {
				unchecked = append(unchecked, id)
			}
		}
		if err := m.ensureNotBlocked(ctx, p.PlayerID, unchecked); err != nil {
			return nil, err
		}
		for _, id := range unchecked {
			checked[id] = true
		}

		retry := false
		events, err := m.mutate(r, func() error {
			for _, pl := range r.players {
				if !checked[pl.ID] {
					retry = true
					return nil
				}
			}
			return m.joinLocked(r, p.PlayerID)
		})
		if !retry {
			return events, err
		}
	}
	return nil, apperr.New(apperr.Internal, "room %s membership kept changing", r.id)
}

func (m *Manager) memberIDs(r *Room) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.New(apperr.RoomNotFound, "room %s", r.id)
	}
	return r.playerIDs(), nil
}

func (m *Manager) joinLocked(r *Room, playerID string) error {
	now := m.opts.Now()

	if _, p := r.findPlayer(playerID); p != nil {
		p.LastSeenAt = now
		return nil
	}
	switch r.status {
	case StatusActive:
		return apperr.New(apperr.RoomAlreadyActive, "room %s", r.id)
	case StatusFinished:
		return apperr.New(apperr.RoomAlreadyFinished, "room %s", r.id)
	}
	if len(r.players) >= r.engine.MaxPlayers() {
		return apperr.New(apperr.RoomFull, "room %s", r.id)
	}

	m.mu.Lock()
	if other, ok := m.playerRoom[playerID]; ok {
		m.mu.Unlock()
		return apperr.New(apperr.AlreadyInRoom, "player %s is in room %s", playerID, other)
	}
	m.playerRoom[playerID] = r.id
	m.mu.Unlock()

	player := &Player{ID: playerID, LastSeenAt: now}
	r.players = append(r.players, player)
	if err := r.reseat(r.playerIDs()); err != nil {
		r.players = r.players[:len(r.players)-1]
		m.mu.Lock()
		delete(m.playerRoom, playerID)
		m.mu.Unlock()
		return apperr.Wrap(apperr.Internal, err, "assign seats")
	}

	if _, ok := r.spectators[playerID]; ok {
		delete(r.spectators, playerID)
		m.emit(r, "spectator_left", map[string]any{"spectatorId": playerID, "spectators": len(r.spectators)})
	}
	if r.ownerID == "" {
		r.ownerID = playerID
	}
	r.emptySince = time.Time{}

	m.emit(r, "player_joined", map[string]any{
		"playerId": playerID,
		"seat":     player.Seat,
		"ownerId":  r.ownerID,
		"players":  r.playerViews(),
	})

	m.logger.Info("player joined room", "room_id", r.id, "player_id", playerID, "seat", player.Seat)
	return nil
}

// JoinAsSpectator 觀戰
func (m *Manager) JoinAsSpectator(ctx context.Context, p JoinParams) ([]Event, error) {
	r, err := m.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := m.requireInvite(r, p); err != nil {
		return nil, err
	}
	if err := m.ensureNotBanned(ctx, p.PlayerID); err != nil {
		return nil, err
	}
	members, err := m.memberIDs(r)
	if err != nil {
		return nil, err
	}
	if err := m.ensureNotBlocked(ctx, p.PlayerID, members); err != nil {
		return nil, err
	}

	return m.mutate(r, func() error {
		now := m.opts.Now()
		if _, pl := r.findPlayer(p.PlayerID); pl != nil {
			return apperr.New(apperr.RoomSpectatorForbidden, "seated players cannot spectate")
		}
		if !r.policy.Allow {
			return apperr.New(apperr.RoomSpectatorsDisabled, "room %s", r.id)
		}
		if s, ok := r.spectators[p.PlayerID]; ok {
			s.LastSeenAt = now
			return nil
		}
		if r.policy.Limit > 0 && len(r.spectators) >= r.policy.Limit {
			return apperr.New(apperr.RoomSpectatorsLimit, "room %s", r.id)
		}

		r.spectators[p.PlayerID] = &Spectator{ID: p.PlayerID, JoinedAt: now, LastSeenAt: now}
		r.emptySince = time.Time{}
		m.emit(r, "spectator_joined", map[string]any{"spectatorId": p.PlayerID, "spectators": len(r.spectators)})
		return nil
	})
}

// LeaveSpectator 停止觀戰
func (m *Manager) LeaveSpectator(ctx context.Context, roomID, playerID string) ([]Event, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return m.mutate(r, func() error {
		if _, ok := r.spectators[playerID]; !ok {
			return apperr.New(apperr.RoomNotMember, "player %s is not watching room %s", playerID, roomID)
		}
		delete(r.spectators, playerID)
		m.emit(r, "spectator_left", map[string]any{"spectatorId": playerID, "spectators": len(r.spectators)})
		if r.isEmpty() {
			r.emptySince = m.opts.Now()
		}
		return nil
	})
}

// LeaveRoom 離開座位
//
// 對局中或已結束的房間會被重設回 waiting，引擎狀態與結果一併丟棄。
func (m *Manager) LeaveRoom(ctx context.Context, roomID, playerID string) ([]Event, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return m.mutate(r, func() error {
		if _, p := r.findPlayer(playerID); p == nil {
			return apperr.New(apperr.RoomNotMember, "player %s is not in room %s", playerID, roomID)
		}
		m.removePlayerLocked(r, playerID, "player_left", map[string]any{"playerId": playerID})
		m.logger.Info("player left room", "room_id", roomID, "player_id", playerID)
		return nil
	})
}

// KickPlayer 房主踢人；踢自己等同離開
func (m *Manager) KickPlayer(ctx context.Context, roomID, requesterID, targetID string) ([]Event, error) {
	if requesterID == targetID {
		return m.LeaveRoom(ctx, roomID, requesterID)
	}
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return m.mutate(r, func() error {
		if _, p := r.findPlayer(requesterID); p == nil {
			return apperr.New(apperr.RoomNotMember, "player %s is not in room %s", requesterID, roomID)
		}
		if r.ownerID != requesterID {
			return apperr.New(apperr.RoomNotOwner, "only the owner may kick")
		}
		if _, p := r.findPlayer(targetID); p == nil {
			return apperr.New(apperr.RoomNotMember, "player %s is not in room %s", targetID, roomID)
		}
		m.removePlayerLocked(r, targetID, "player_kicked", map[string]any{"playerId": targetID, "by": requesterID})
		m.logger.Info("player kicked", "room_id", roomID, "player_id", targetID, "by", requesterID)
		return nil
	})
}

// removePlayerLocked 移除座位、重新分配座位、轉移房主，必要時重設房間
func (m *Manager) removePlayerLocked(r *Room, playerID, eventType string, payload map[string]any) {
	idx, _ := r.findPlayer(playerID)
	r.players = append(r.players[:idx], r.players[idx+1:]...)

	m.mu.Lock()
	if m.playerRoom[playerID] == r.id {
		delete(m.playerRoom, playerID)
	}
	m.mu.Unlock()

	if len(r.players) > 0 {
		if err := r.reseat(r.playerIDs()); err != nil {
			m.logger.Error("failed to reassign seats", "room_id", r.id, "error", err)
		}
	}
	if r.ownerID == playerID {
		r.ownerID = r.lowestSeat()
	}

	payload["ownerId"] = r.ownerID
	payload["players"] = r.playerViews()
	m.emit(r, eventType, payload)

	if r.status != StatusWaiting {
		previous := r.status
		r.status = StatusWaiting
		r.state = nil
		r.result = nil
		r.summary = ""
		for _, p := range r.players {
			p.Ready = false
		}
		m.emit(r, "room_reset", map[string]any{"reason": eventType, "previousStatus": previous})
	}

	if r.isEmpty() {
		r.emptySince = m.opts.Now()
	}
}

// GetRoom 房間快照
func (m *Manager) GetRoom(roomID string) (Snapshot, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, apperr.New(apperr.RoomNotFound, "room %s", roomID)
	}
	return r.snapshot(), nil
}

// RoomByInviteCode 以邀請碼查詢房間
func (m *Manager) RoomByInviteCode(code string) (Snapshot, error) {
	m.mu.RLock()
	roomID, ok := m.inviteCodes[strings.ToUpper(code)]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, apperr.New(apperr.RoomInviteInvalid, "unknown invite code")
	}
	return m.GetRoom(roomID)
}

// RoomOf 玩家入座的房間
func (m *Manager) RoomOf(playerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.playerRoom[playerID]
	return roomID, ok
}

// Events 回傳房間從 fromSequence（不含）之後的事件
func (m *Manager) Events(roomID string, fromSequence uint64) ([]Event, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fromSequence >= uint64(len(r.events)) {
		return []Event{}, nil
	}
	return append([]Event(nil), r.events[fromSequence:]...), nil
}

func (m *Manager) allRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// ListRooms 列出房間（依建立時間排序）
func (m *Manager) ListRooms(f ListFilter) []Snapshot {
	var out []Snapshot
	for _, r := range m.allRooms() {
		if f.GameType != "" && r.gameType != f.GameType {
			continue
		}
		if !f.IncludePrivate && r.visibility == VisibilityPrivate {
			continue
		}
		r.mu.Lock()
		if !r.closed && (f.Status == "" || r.status == f.Status) {
			snap := r.snapshot()
			if !f.IncludePrivate {
				snap.InviteCode = ""
			}
			out = append(out, snap)
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	statusCount := map[Status]int{StatusWaiting: 0, StatusActive: 0, StatusFinished: 0}
	gameCount := make(map[string]int)
	players, spectators := 0, 0

	for _, r := range m.allRooms() {
		r.mu.Lock()
		if !r.closed {
			statusCount[r.status]++
			gameCount[r.gameType]++
			players += len(r.players)
			spectators += len(r.spectators)
		}
		r.mu.Unlock()
	}

	for status, n := range statusCount {
		metrics.Rooms.WithLabelValues(string(status)).Set(float64(n))
	}

	return map[string]any{
		"total_rooms":      statusCount[StatusWaiting] + statusCount[StatusActive] + statusCount[StatusFinished],
		"total_players":    players,
		"total_spectators": spectators,
		"by_status":        statusCount,
		"by_game":          gameCount,
	}
}

// cleanupLoop 定期清理閒置的空房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ReclaimIdle()
			m.Stats()
		case <-m.stopCh:
			return
		}
	}
}

// ReclaimIdle 移除空了超過 IdleTTL 的房間，回傳移除數量
func (m *Manager) ReclaimIdle() int {
	now := m.opts.Now()
	removed := 0

	for _, r := range m.allRooms() {
		r.mu.Lock()
		if r.closed || !r.isEmpty() || r.emptySince.IsZero() || now.Sub(r.emptySince) < m.opts.IdleTTL {
			r.mu.Unlock()
			continue
		}
		r.closed = true

		m.mu.Lock()
		delete(m.rooms, r.id)
		if r.inviteCode != "" {
			delete(m.inviteCodes, r.inviteCode)
		}
		m.mu.Unlock()
		r.mu.Unlock()

		removed++
		metrics.RoomsReclaimed.Inc()
		m.logger.Info("idle room reclaimed", "room_id", r.id)
	}
	return removed
}

// Stop 停止清理 goroutine
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.logger.Info("room manager stopped")
}

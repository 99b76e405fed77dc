// Package matchmaking 把單人的配對請求分組成房間。
//
// 每個遊戲類型一條 FIFO 佇列（lane），各有自己的鎖；
// 玩家到票券的索引由一把短暫持有的鎖保護。
// 鎖順序：lane.mu → Queue.mu。
package matchmaking

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/metrics"
	"github.com/koopa0/turnroom/internal/room"
)

// Status 票券狀態
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusMatched Status = "matched"
)

// matchedRetention 已配對票券保留多久供查詢
const matchedRetention = 10 * time.Minute

// Ticket 配對票券
type Ticket struct {
	ID        string    `json:"ticketId"`
	PlayerID  string    `json:"playerId"`
	GameType  string    `json:"gameType"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	MatchedAt time.Time `json:"matchedAt,omitempty"`
	RoomID    string    `json:"roomId,omitempty"`
}

// RoomCreator 配對成功後建立房間
type RoomCreator interface {
	CreateRoom(ctx context.Context, p room.CreateRoomParams) (room.Snapshot, []room.Event, error)
	RoomOf(playerID string) (string, bool)
	GetRoom(roomID string) (room.Snapshot, error)
}

// MatchedFunc 配對成功通知
type MatchedFunc func(snap room.Snapshot, tickets []Ticket)

type lane struct {
	mu      sync.Mutex
	waiting []*Ticket
}

// Queue 配對佇列
type Queue struct {
	rooms    RoomCreator
	registry *engine.Registry
	bans     room.BanChecker
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	tickets  map[string]*Ticket // ticketID -> ticket（含已配對）
	byPlayer map[string]string  // playerID -> 等待中的 ticketID
	lanes    map[string]*lane   // gameType -> lane

	hooksMu sync.RWMutex
	hooks   []MatchedFunc
}

// NewQueue 建立佇列；bans 可為 nil
func NewQueue(rooms RoomCreator, registry *engine.Registry, bans room.BanChecker, logger *slog.Logger) *Queue {
	return &Queue{
		rooms:    rooms,
		registry: registry,
		bans:     bans,
		logger:   logger,
		now:      time.Now,
		tickets:  make(map[string]*Ticket),
		byPlayer: make(map[string]string),
		lanes:    make(map[string]*lane),
	}
}

// OnMatched 註冊配對成功通知
func (q *Queue) OnMatched(fn MatchedFunc) {
	q.hooksMu.Lock()
	q.hooks = append(q.hooks, fn)
	q.hooksMu.Unlock()
}

func (q *Queue) lane(gameType string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[gameType]
	if !ok {
		l = &lane{}
		q.lanes[gameType] = l
	}
	return l
}

// Start 開始配對
//
// 同一遊戲類型已有票券時回傳原票券；不同類型的舊票券會被取代。
func (q *Queue) Start(ctx context.Context, playerID, gameType string) (Ticket, error) {
	eng, ok := q.registry.Lookup(gameType)
	if !ok {
		return Ticket{}, apperr.New(apperr.GameUnsupported, "game type %q", gameType)
	}
	if q.bans != nil {
		banned, err := q.bans.IsBanned(ctx, playerID)
		if err != nil {
			return Ticket{}, apperr.Wrap(apperr.Internal, err, "ban check")
		}
		if banned {
			return Ticket{}, apperr.New(apperr.PlayerBanned, "player %s", playerID)
		}
	}
	if roomID, seated := q.rooms.RoomOf(playerID); seated {
		snap, err := q.rooms.GetRoom(roomID)
		if err == nil && snap.Status != room.StatusFinished {
			return Ticket{}, apperr.New(apperr.AlreadyInRoom, "player %s is in room %s", playerID, roomID)
		}
	}

	q.replaceOtherLane(playerID, gameType)

	l := q.lane(gameType)
	l.mu.Lock()

	q.mu.Lock()
	if id, ok := q.byPlayer[playerID]; ok {
		existing := *q.tickets[id]
		q.mu.Unlock()
		l.mu.Unlock()
		if existing.GameType == gameType {
			return existing, nil
		}
		// 並發的 Start 換了遊戲類型，重新來過
		return q.Start(ctx, playerID, gameType)
	}
	t := &Ticket{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		GameType:  gameType,
		Status:    StatusWaiting,
		CreatedAt: q.now(),
	}
	q.tickets[t.ID] = t
	q.byPlayer[playerID] = t.ID
	q.mu.Unlock()

	l.waiting = append(l.waiting, t)
	metrics.Tickets.WithLabelValues("created").Inc()
	q.logger.Info("matchmaking ticket created", "ticket_id", t.ID, "player_id", playerID, "game_type", gameType)

	matches := q.drainLocked(ctx, l, eng, gameType)
	l.mu.Unlock()

	q.announce(matches)

	q.mu.Lock()
	out := *t
	q.mu.Unlock()
	return out, nil
}

// replaceOtherLane 移除玩家在其他遊戲類型的等待票券
func (q *Queue) replaceOtherLane(playerID, gameType string) {
	q.mu.Lock()
	id, ok := q.byPlayer[playerID]
	var old Ticket
	if ok {
		old = *q.tickets[id]
	}
	q.mu.Unlock()
	if !ok || old.GameType == gameType {
		return
	}

	l := q.lane(old.GameType)
	l.mu.Lock()
	defer l.mu.Unlock()
	if q.removeWaitingLocked(l, old.ID) {
		metrics.Tickets.WithLabelValues("replaced").Inc()
		q.logger.Info("matchmaking ticket replaced", "ticket_id", old.ID, "player_id", playerID, "game_type", old.GameType)
	}
}

// removeWaitingLocked 呼叫者持有 l.mu
func (q *Queue) removeWaitingLocked(l *lane, ticketID string) bool {
	for i, t := range l.waiting {
		if t.ID != ticketID {
			continue
		}
		l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
		q.mu.Lock()
		delete(q.tickets, ticketID)
		if q.byPlayer[t.PlayerID] == ticketID {
			delete(q.byPlayer, t.PlayerID)
		}
		q.mu.Unlock()
		return true
	}
	return false
}

type match struct {
	snap    room.Snapshot
	tickets []Ticket
}

// drainLocked 依 FIFO 分組建房；呼叫者持有 l.mu
func (q *Queue) drainLocked(ctx context.Context, l *lane, eng engine.Engine, gameType string) []match {
	var matches []match
	for len(l.waiting) >= eng.MinPlayers() {
		n := eng.PreferredPlayers()
		if n > len(l.waiting) {
			n = len(l.waiting)
		}
		if n < eng.MinPlayers() {
			n = eng.MinPlayers()
		}
		group := l.waiting[:n]
		ids := make([]string, n)
		for i, t := range group {
			ids[i] = t.PlayerID
		}

		snap, _, err := q.rooms.CreateRoom(ctx, room.CreateRoomParams{GameType: gameType, PlayerIDs: ids})
		if err != nil {
			q.logger.Warn("failed to create matched room", "game_type", gameType, "players", ids, "error", err)
			// 票券留在佇列前端；若是個別玩家失去資格則剔除後重試
			if q.evictIneligibleLocked(ctx, l, group) == 0 {
				break
			}
			continue
		}

		l.waiting = l.waiting[n:]
		now := q.now()
		matched := make([]Ticket, n)
		q.mu.Lock()
		for i, t := range group {
			t.Status = StatusMatched
			t.RoomID = snap.ID
			t.MatchedAt = now
			if q.byPlayer[t.PlayerID] == t.ID {
				delete(q.byPlayer, t.PlayerID)
			}
			matched[i] = *t
		}
		q.pruneLocked(now)
		q.mu.Unlock()

		metrics.Tickets.WithLabelValues("matched").Add(float64(n))
		q.logger.Info("players matched", "room_id", snap.ID, "game_type", gameType, "players", ids)
		matches = append(matches, match{snap: snap, tickets: matched})
	}
	return matches
}

// evictIneligibleLocked 剔除被封禁或已在其他房間的玩家，回傳剔除數
func (q *Queue) evictIneligibleLocked(ctx context.Context, l *lane, group []*Ticket) int {
	var evict []string
	for _, t := range group {
		if q.bans != nil {
			if banned, err := q.bans.IsBanned(ctx, t.PlayerID); err == nil && banned {
				evict = append(evict, t.ID)
				continue
			}
		}
		if roomID, ok := q.rooms.RoomOf(t.PlayerID); ok {
			if snap, err := q.rooms.GetRoom(roomID); err == nil && snap.Status != room.StatusFinished {
				evict = append(evict, t.ID)
			}
		}
	}
	for _, id := range evict {
		if q.removeWaitingLocked(l, id) {
			metrics.Tickets.WithLabelValues("evicted").Inc()
			q.logger.Warn("matchmaking ticket evicted", "ticket_id", id)
		}
	}
	return len(evict)
}

// pruneLocked 清掉過舊的已配對票券；呼叫者持有 q.mu
func (q *Queue) pruneLocked(now time.Time) {
	for id, t := range q.tickets {
		if t.Status == StatusMatched && now.Sub(t.MatchedAt) > matchedRetention {
			delete(q.tickets, id)
		}
	}
}

func (q *Queue) announce(matches []match) {
	if len(matches) == 0 {
		return
	}
	q.hooksMu.RLock()
	hooks := append([]MatchedFunc(nil), q.hooks...)
	q.hooksMu.RUnlock()

	for _, m := range matches {
		for _, fn := range hooks {
			fn(m.snap, m.tickets)
		}
	}
}

// Cancel 取消票券
func (q *Queue) Cancel(ticketID, playerID string) error {
	q.mu.Lock()
	t, ok := q.tickets[ticketID]
	if !ok {
		q.mu.Unlock()
		return apperr.New(apperr.TicketNotFound, "ticket %s", ticketID)
	}
	if t.PlayerID != playerID {
		q.mu.Unlock()
		return apperr.New(apperr.TicketForbidden, "ticket %s", ticketID)
	}
	gameType := t.GameType
	q.mu.Unlock()

	l := q.lane(gameType)
	l.mu.Lock()
	defer l.mu.Unlock()

	if q.removeWaitingLocked(l, ticketID) {
		metrics.Tickets.WithLabelValues("cancelled").Inc()
		q.logger.Info("matchmaking ticket cancelled", "ticket_id", ticketID, "player_id", playerID)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tickets[ticketID]; ok && t.Status == StatusMatched {
		return apperr.New(apperr.AlreadyMatched, "ticket %s matched into room %s", ticketID, t.RoomID)
	}
	return apperr.New(apperr.TicketNotFound, "ticket %s", ticketID)
}

// Ticket 查詢票券
func (q *Queue) Ticket(ticketID string) (Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[ticketID]
	if !ok {
		return Ticket{}, apperr.New(apperr.TicketNotFound, "ticket %s", ticketID)
	}
	return *t, nil
}

// TicketOf 玩家目前等待中的票券
func (q *Queue) TicketOf(playerID string) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byPlayer[playerID]
	if !ok {
		return Ticket{}, false
	}
	return *q.tickets[id], true
}

// Pending 依 FIFO 順序列出等待中的票券
func (q *Queue) Pending(gameType string) []Ticket {
	l := q.lane(gameType)
	l.mu.Lock()
	defer l.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Ticket, len(l.waiting))
	for i, t := range l.waiting {
		out[i] = *t
	}
	return out
}

// Stats 各遊戲類型等待人數
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	gameTypes := make([]string, 0, len(q.lanes))
	for gt := range q.lanes {
		gameTypes = append(gameTypes, gt)
	}
	q.mu.Unlock()
	sort.Strings(gameTypes)

	waiting := make(map[string]int, len(gameTypes))
	total := 0
	for _, gt := range gameTypes {
		n := len(q.Pending(gt))
		waiting[gt] = n
		total += n
	}
	return map[string]any{
		"waiting_total":   total,
		"waiting_by_game": waiting,
	}
}

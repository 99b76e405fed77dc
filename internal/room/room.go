package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/turnroom/internal/engine"
)

// Room 一場對局的完整伺服器端狀態
//
// 並發控制：
//   - 每個房間一把互斥鎖，守衛檢查、引擎呼叫與事件發送都在同一個臨界區
//   - id、gameType、visibility、inviteCode 建立後不變，可以不持鎖讀取
//   - 不同房間之間沒有共享的可變狀態，可以完全並行
//
// 不變式：sequence == len(events)；status 為 finished 時 state 與 result 不再改變，
// 直到有玩家離開把房間重設回 waiting。
type Room struct {
	id         string
	gameType   string
	visibility Visibility
	inviteCode string
	engine     engine.Engine

	mu         sync.Mutex
	status     Status
	policy     SpectatorPolicy
	players    []*Player
	spectators map[string]*Spectator
	sequence   uint64
	events     []Event
	state      engine.State
	result     *engine.Result
	summary    string
	guard      *actionGuard
	ownerID    string
	createdAt  time.Time
	updatedAt  time.Time
	emptySince time.Time
	closed     bool

	// pending 本次臨界區內產生、尚未通知訂閱者的事件
	pending []Event
}

// emit 附加事件；房間事件唯一的寫入點
func (r *Room) emit(now time.Time, typ string, payload json.RawMessage, audience []string) Event {
	r.sequence++
	ev := Event{
		Sequence:  r.sequence,
		Type:      typ,
		Payload:   payload,
		Timestamp: now.UTC(),
		Audience:  audience,
	}
	r.events = append(r.events, ev)
	r.pending = append(r.pending, ev)
	r.updatedAt = now
	return ev
}

func (r *Room) findPlayer(playerID string) (int, *Player) {
	for i, p := range r.players {
		if p.ID == playerID {
			return i, p
		}
	}
	return -1, nil
}

func (r *Room) playerIDs() []string {
	ids := make([]string, len(r.players))
	for i, p := range r.players {
		ids[i] = p.ID
	}
	return ids
}

func (r *Room) seats() []engine.Seat {
	seats := make([]engine.Seat, len(r.players))
	for i, p := range r.players {
		seats[i] = engine.Seat{PlayerID: p.ID, Index: p.Seat, Attributes: p.Attributes}
	}
	return seats
}

func (r *Room) view() engine.RoomView {
	return engine.RoomView{
		ID:       r.id,
		GameType: r.gameType,
		Players:  r.seats(),
		Sequence: r.sequence,
	}
}

// reseat 重新向引擎要座位，確保座位編號與引擎一致
func (r *Room) reseat(ids []string) error {
	seats, err := r.engine.AssignSeats(r.gameType, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]engine.Seat, len(seats))
	for _, s := range seats {
		byID[s.PlayerID] = s
	}
	for _, p := range r.players {
		if s, ok := byID[p.ID]; ok {
			p.Seat = s.Index
			p.Attributes = s.Attributes
		}
	}
	return nil
}

// lowestSeat 座位編號最小的玩家，房主轉移使用
func (r *Room) lowestSeat() string {
	var owner *Player
	for _, p := range r.players {
		if owner == nil || p.Seat < owner.Seat {
			owner = p
		}
	}
	if owner == nil {
		return ""
	}
	return owner.ID
}

func (r *Room) allReady() bool {
	if len(r.players) < r.engine.MinPlayers() {
		return false
	}
	for _, p := range r.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (r *Room) isEmpty() bool {
	return len(r.players) == 0 && len(r.spectators) == 0
}

func (r *Room) playerViews() []any {
	views := make([]any, len(r.players))
	for i, p := range r.players {
		views[i] = map[string]any{
			"playerId": p.ID,
			"seat":     p.Seat,
			"ready":    p.Ready,
			"profile":  r.engine.DescribePlayer(engine.Seat{PlayerID: p.ID, Index: p.Seat, Attributes: p.Attributes}),
		}
	}
	return views
}

// snapshot 複製目前狀態；呼叫者必須持有鎖
func (r *Room) snapshot() Snapshot {
	players := make([]Player, len(r.players))
	for i, p := range r.players {
		players[i] = *p
	}
	spectators := make([]Spectator, 0, len(r.spectators))
	for _, s := range r.spectators {
		spectators = append(spectators, *s)
	}
	sort.Slice(spectators, func(i, j int) bool {
		if spectators[i].JoinedAt.Equal(spectators[j].JoinedAt) {
			return spectators[i].ID < spectators[j].ID
		}
		return spectators[i].JoinedAt.Before(spectators[j].JoinedAt)
	})

	var result *engine.Result
	if r.result != nil {
		cp := *r.result
		result = &cp
	}

	return Snapshot{
		ID:         r.id,
		GameType:   r.gameType,
		Status:     r.status,
		Visibility: r.visibility,
		InviteCode: r.inviteCode,
		Policy:     r.policy,
		Players:    players,
		Spectators: spectators,
		OwnerID:    r.ownerID,
		Sequence:   r.sequence,
		Result:     result,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

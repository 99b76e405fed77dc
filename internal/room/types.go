package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/engine"
)

// Status 房間狀態
//
// 狀態機：
//
//	waiting → active → finished
//	   ↑________|__________|   （玩家離開時強制回到 waiting）
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Visibility 房間可見性
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SpectatorPolicy 觀戰設定
//
// Limit <= 0 代表不限人數。
type SpectatorPolicy struct {
	Allow bool          `json:"allowSpectators"`
	Limit int           `json:"spectatorLimit"`
	Delay time.Duration `json:"-"`
}

// MarshalJSON 延遲以毫秒輸出
func (p SpectatorPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Allow   bool  `json:"allowSpectators"`
		Limit   int   `json:"spectatorLimit"`
		DelayMs int64 `json:"spectatorDelayMs"`
	}{p.Allow, p.Limit, p.Delay.Milliseconds()})
}

// Player 座位上的玩家
type Player struct {
	ID         string         `json:"playerId"`
	Seat       int            `json:"seat"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Ready      bool           `json:"ready"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

// Spectator 觀戰者
type Spectator struct {
	ID         string    `json:"spectatorId"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Event 房間事件（不可變）
//
// Payload 為 JSON 編碼後的內容，稽核雜湊直接使用這份位元組。
// Audience 只影響傳輸層的投遞對象，不序列化也不參與雜湊；nil 代表全房間。
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Audience  []string        `json:"-"`
}

// Snapshot 房間在某一時刻的唯讀副本
type Snapshot struct {
	ID         string          `json:"roomId"`
	GameType   string          `json:"gameType"`
	Status     Status          `json:"status"`
	Visibility Visibility      `json:"visibility"`
	InviteCode string          `json:"inviteCode,omitempty"`
	Policy     SpectatorPolicy `json:"spectatorPolicy"`
	Players    []Player        `json:"players"`
	Spectators []Spectator     `json:"spectators"`
	OwnerID    string          `json:"ownerId,omitempty"`
	Sequence   uint64          `json:"sequence"`
	Result     *engine.Result  `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// HasPlayer 是否為座位上的玩家
func (s Snapshot) HasPlayer(playerID string) bool {
	for _, p := range s.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// HasSpectator 是否為觀戰者
func (s Snapshot) HasSpectator(playerID string) bool {
	for _, w := range s.Spectators {
		if w.ID == playerID {
			return true
		}
	}
	return false
}

// PlayerIDs 依座位順序的玩家 ID
func (s Snapshot) PlayerIDs() []string {
	ids := make([]string, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.ID
	}
	return ids
}

// CreateRoomParams 建立房間參數
type CreateRoomParams struct {
	GameType   string
	PlayerIDs  []string
	Visibility Visibility
	// Policy 為 nil 時使用管理器預設值
	Policy *SpectatorPolicy
}

// JoinParams 加入房間參數（RoomID 與 InviteCode 擇一或並用）
type JoinParams struct {
	RoomID     string
	InviteCode string
	PlayerID   string
}

// ActionRequest 玩家動作
type ActionRequest struct {
	RoomID         string
	PlayerID       string
	Action         json.RawMessage
	Frame          *uint64
	IdempotencyKey string
}

// ActionResult 動作處理結果
//
// 守衛拒絕時 Events 仍包含 action_rejected 事件，Fingerprint 為異常指紋。
type ActionResult struct {
	Events      []Event
	Sequence    uint64
	Fingerprint string
}

// PublicState 對外公開的房間投影
type PublicState struct {
	Room    Snapshot         `json:"room"`
	Role    string           `json:"role"`
	Players []any            `json:"players"`
	Turn    *engine.TurnInfo `json:"turn,omitempty"`
	Game    any              `json:"game,omitempty"`
	Result  any              `json:"result,omitempty"`
}

// 觀看者角色
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
	RoleObserver  = "observer"
)

// ListFilter 列表過濾條件
type ListFilter struct {
	Status         Status
	GameType       string
	IncludePrivate bool
}

// EventListener 房間事件訂閱者
//
// 在房間的臨界區內依序號順序呼叫，實作不可阻塞，也不可回呼 Manager。
type EventListener interface {
	OnRoomEvents(snapshot Snapshot, events []Event)
}

// BanChecker 封禁查詢
type BanChecker interface {
	IsBanned(ctx context.Context, playerID string) (bool, error)
}

// BlockChecker 封鎖關係查詢（雙向）
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// AnomalyRecorder 異常記錄
type AnomalyRecorder interface {
	Record(a anticheat.Anomaly) anticheat.Report
}

// Package engine 定義遊戲規則引擎的插件介面。
//
// 房間管理器只透過 Engine 介面與規則互動：
// 座位分配、初始狀態、套用動作、公開狀態投影都由引擎負責，
// 房間管理器從不檢查 State 的內容，只負責保管並在呼叫間傳遞。
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// State 引擎私有的遊戲狀態（對房間管理器不透明）
type State any

// Seat 座位描述
type Seat struct {
	PlayerID   string         `json:"playerId"`
	Index      int            `json:"seat"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RoomView 提供給引擎的唯讀房間資訊
type RoomView struct {
	ID       string `json:"roomId"`
	GameType string `json:"gameType"`
	Players  []Seat `json:"players"`
	Sequence uint64 `json:"sequence"`
}

// TurnInfo 目前輪到誰
type TurnInfo struct {
	PlayerID string         `json:"playerId"`
	Seat     int            `json:"seat"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Effect 引擎宣告的事件
type Effect struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Result 對局結果
type Result struct {
	WinnerSeats []int          `json:"winnerSeats"`
	Draw        bool           `json:"draw"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// ActionInput 套用動作的輸入
type ActionInput struct {
	Room       RoomView
	State      State
	Players    []Seat
	ActingSeat int
	Action     json.RawMessage
}

// Outcome 套用動作的結果
//
// Reject 非空代表動作被拒絕，此時 State/Effects/Result 會被忽略。
type Outcome struct {
	State   State
	Effects []Effect
	Reject  string
	Result  *Result
}

// ResultDescription 結果描述
type ResultDescription struct {
	Summary      string `json:"summary"`
	EventPayload any    `json:"eventPayload"`
}

// Engine 單一遊戲類型的規則實作
type Engine interface {
	GameType() string
	MinPlayers() int
	PreferredPlayers() int
	MaxPlayers() int

	// AssignSeats 依玩家順序回傳對應的座位描述（長度與順序必須一致）
	AssignSeats(gameType string, playerIDs []string) ([]Seat, error)
	DescribePlayer(seat Seat) any
	CreateInitialState(room RoomView) (State, error)
	DescribeMatchStart(room RoomView, state State) any
	// TurnInfo 沒有輪次概念時回傳 nil
	TurnInfo(room RoomView, state State) *TurnInfo
	ApplyAction(in ActionInput) (Outcome, error)
	DescribeResult(room RoomView, result Result) ResultDescription
	PublicState(room RoomView, state State) any
}

// Registry 遊戲類型到引擎的對應表
//
// 由建構函式注入，測試可以替換成假引擎。
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry 建立註冊表
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.GameType()] = e
	}
	return r
}

// Register 註冊引擎，遊戲類型重複時回傳錯誤
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.GameType()]; exists {
		return fmt.Errorf("engine already registered: %s", e.GameType())
	}
	r.engines[e.GameType()] = e
	return nil
}

// Lookup 查詢引擎
func (r *Registry) Lookup(gameType string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[gameType]
	return e, ok
}

// GameTypes 回傳已註冊的遊戲類型（排序後）
func (r *Registry) GameTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.engines))
	for t := range r.engines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SequentialSeats 依加入順序分配座位 0..n-1，供不需要特殊分配策略的引擎使用
func SequentialSeats(playerIDs []string) []Seat {
	seats := make([]Seat, len(playerIDs))
	for i, id := range playerIDs {
		seats[i] = Seat{PlayerID: id, Index: i}
	}
	return seats
}

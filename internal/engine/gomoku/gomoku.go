// Package gomoku 實作五子棋（fiveInARow）規則引擎。
package gomoku

import (
	"encoding/json"
	"fmt"

	"github.com/koopa0/turnroom/internal/engine"
)

// GameType 遊戲類型識別
const GameType = "fiveInARow"

// BoardSize 棋盤邊長
const BoardSize = 15

// 拒絕原因
const (
	RejectMalformed    = "MALFORMED_ACTION"
	RejectOutOfBounds  = "OUT_OF_BOUNDS"
	RejectCellOccupied = "CELL_OCCUPIED"
	RejectNotYourTurn  = "NOT_YOUR_TURN"
	RejectGameOver     = "GAME_OVER"
)

const empty = -1

// Move 落子動作
type Move struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// State 棋局狀態
//
// 每次落子都複製棋盤，回傳新的 State，舊狀態保持不變。
type State struct {
	Board    [BoardSize][BoardSize]int
	Turn     int
	Moves    int
	LastMove *Move
	Finished bool
}

// Engine 五子棋引擎
type Engine struct{}

// New 建立引擎
func New() *Engine { return &Engine{} }

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) GameType() string      { return GameType }
func (e *Engine) MinPlayers() int       { return 2 }
func (e *Engine) PreferredPlayers() int { return 2 }
func (e *Engine) MaxPlayers() int       { return 2 }

// AssignSeats 先加入者執黑（座位 0）先手
func (e *Engine) AssignSeats(_ string, playerIDs []string) ([]engine.Seat, error) {
	if len(playerIDs) > e.MaxPlayers() {
		return nil, fmt.Errorf("fiveInARow seats at most %d players, got %d", e.MaxPlayers(), len(playerIDs))
	}
	seats := engine.SequentialSeats(playerIDs)
	for i := range seats {
		seats[i].Attributes = map[string]any{"stone": stoneName(seats[i].Index)}
	}
	return seats, nil
}

func (e *Engine) DescribePlayer(seat engine.Seat) any {
	return map[string]any{
		"playerId": seat.PlayerID,
		"seat":     seat.Index,
		"stone":    stoneName(seat.Index),
	}
}

func (e *Engine) CreateInitialState(_ engine.RoomView) (engine.State, error) {
	s := &State{}
	for y := range s.Board {
		for x := range s.Board[y] {
			s.Board[y][x] = empty
		}
	}
	return s, nil
}

func (e *Engine) DescribeMatchStart(room engine.RoomView, _ engine.State) any {
	return map[string]any{
		"gameType":  GameType,
		"boardSize": BoardSize,
		"players":   room.Players,
		"firstSeat": 0,
	}
}

func (e *Engine) TurnInfo(room engine.RoomView, state engine.State) *engine.TurnInfo {
	s, ok := state.(*State)
	if !ok || s.Finished {
		return nil
	}
	for _, p := range room.Players {
		if p.Index == s.Turn {
			return &engine.TurnInfo{PlayerID: p.PlayerID, Seat: p.Index, Extra: map[string]any{"moves": s.Moves}}
		}
	}
	return nil
}

func (e *Engine) ApplyAction(in engine.ActionInput) (engine.Outcome, error) {
	s, ok := in.State.(*State)
	if !ok {
		return engine.Outcome{}, fmt.Errorf("unexpected state type %T", in.State)
	}
	if s.Finished {
		return engine.Outcome{Reject: RejectGameOver}, nil
	}
	if in.ActingSeat != s.Turn {
		return engine.Outcome{Reject: RejectNotYourTurn}, nil
	}

	var m Move
	if err := json.Unmarshal(in.Action, &m); err != nil {
		return engine.Outcome{Reject: RejectMalformed}, nil
	}
	if m.X < 0 || m.X >= BoardSize || m.Y < 0 || m.Y >= BoardSize {
		return engine.Outcome{Reject: RejectOutOfBounds}, nil
	}
	if s.Board[m.Y][m.X] != empty {
		return engine.Outcome{Reject: RejectCellOccupied}, nil
	}

	next := *s
	next.Board[m.Y][m.X] = in.ActingSeat
	next.Moves++
	next.LastMove = &Move{X: m.X, Y: m.Y}
	next.Turn = (in.ActingSeat + 1) % 2

	out := engine.Outcome{
		State: &next,
		Effects: []engine.Effect{{
			Type:    "stone_placed",
			Payload: map[string]any{"seat": in.ActingSeat, "x": m.X, "y": m.Y, "moves": next.Moves},
		}},
	}

	switch {
	case fiveInRow(&next.Board, m.X, m.Y, in.ActingSeat):
		next.Finished = true
		out.Result = &engine.Result{WinnerSeats: []int{in.ActingSeat}, Reason: "five_in_a_row"}
	case next.Moves == BoardSize*BoardSize:
		next.Finished = true
		out.Result = &engine.Result{WinnerSeats: []int{}, Draw: true, Reason: "board_full"}
	}

	return out, nil
}

func (e *Engine) DescribeResult(room engine.RoomView, result engine.Result) engine.ResultDescription {
	summary := "draw"
	var winners []string
	for _, seat := range result.WinnerSeats {
		for _, p := range room.Players {
			if p.Index == seat {
				winners = append(winners, p.PlayerID)
			}
		}
	}
	if !result.Draw && len(winners) > 0 {
		summary = fmt.Sprintf("%s wins", winners[0])
	}
	return engine.ResultDescription{
		Summary: summary,
		EventPayload: map[string]any{
			"winnerSeats": result.WinnerSeats,
			"winners":     winners,
			"draw":        result.Draw,
			"reason":      result.Reason,
		},
	}
}

func (e *Engine) PublicState(_ engine.RoomView, state engine.State) any {
	s, ok := state.(*State)
	if !ok {
		return nil
	}
	rows := make([][]int, BoardSize)
	for y := range s.Board {
		rows[y] = append([]int(nil), s.Board[y][:]...)
	}
	return map[string]any{
		"board":       rows,
		"moves":       s.Moves,
		"currentSeat": s.Turn,
		"lastMove":    s.LastMove,
		"finished":    s.Finished,
	}
}

func fiveInRow(b *[BoardSize][BoardSize]int, x, y, seat int) bool {
	dirs := [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}
	for _, d := range dirs {
		count := 1 + countDir(b, x, y, d[0], d[1], seat) + countDir(b, x, y, -d[0], -d[1], seat)
		if count >= 5 {
			return true
		}
	}
	return false
}

func countDir(b *[BoardSize][BoardSize]int, x, y, dx, dy, seat int) int {
	n := 0
	for {
		x, y = x+dx, y+dy
		if x < 0 || x >= BoardSize || y < 0 || y >= BoardSize || b[y][x] != seat {
			return n
		}
		n++
	}
}

func stoneName(seat int) string {
	if seat == 0 {
		return "black"
	}
	return "white"
}

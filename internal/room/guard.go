package room

import (
	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/apperr"
)

// playerGuard 單一玩家在單一房間內的防重放狀態
type playerGuard struct {
	lastFrame uint64            // 最後接受的 frame，初始為 0，因此第一個 frame 是 1
	keys      map[string]uint64 // idempotency key -> 產生的事件序號
}

// actionGuard 動作守衛
//
// 狀態跟著房間存活，換局不清除，frame 與 key 在整個房間內都不能重複。
// 只能在房間鎖內使用。
type actionGuard struct {
	players map[string]*playerGuard
}

func newActionGuard() *actionGuard {
	return &actionGuard{players: make(map[string]*playerGuard)}
}

func (g *actionGuard) player(id string) *playerGuard {
	pg, ok := g.players[id]
	if !ok {
		pg = &playerGuard{keys: make(map[string]uint64)}
		g.players[id] = pg
	}
	return pg
}

// guardVerdict 檢查結果；code 為空代表通過
type guardVerdict struct {
	code     apperr.Code
	kind     anticheat.Kind
	expected uint64
}

func (v guardVerdict) ok() bool { return v.code == "" }

// check 依序檢查 idempotency key 與 frame，不修改狀態
func (g *actionGuard) check(playerID string, frame *uint64, key string) guardVerdict {
	pg := g.player(playerID)

	if key != "" {
		if _, seen := pg.keys[key]; seen {
			return guardVerdict{code: apperr.ActionDuplicate, kind: anticheat.KindDuplicate}
		}
	}

	if frame != nil {
		expected := pg.lastFrame + 1
		switch {
		case *frame < expected:
			return guardVerdict{code: apperr.ActionFrameReplayed, kind: anticheat.KindFrameReplayed, expected: expected}
		case *frame > expected:
			return guardVerdict{code: apperr.ActionFrameOutOfSync, kind: anticheat.KindOutOfSync, expected: expected}
		}
	}
	return guardVerdict{}
}

// advance 接受 frame
func (g *actionGuard) advance(playerID string, frame *uint64) {
	if frame != nil {
		g.player(playerID).lastFrame = *frame
	}
}

// remember 引擎接受動作後記錄 key 對應的序號
func (g *actionGuard) remember(playerID, key string, sequence uint64) {
	if key != "" {
		g.player(playerID).keys[key] = sequence
	}
}

// lastFrame 測試與狀態投影使用
func (g *actionGuard) lastFrame(playerID string) uint64 {
	if pg, ok := g.players[playerID]; ok {
		return pg.lastFrame
	}
	return 0
}

package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/metrics"
)

// SetPlayerReady 標記準備（冪等）；全員準備且人數足夠時自動開局
func (m *Manager) SetPlayerReady(ctx context.Context, roomID, playerID string) ([]Event, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return m.mutate(r, func() error {
		_, p := r.findPlayer(playerID)
		if p == nil {
			return apperr.New(apperr.RoomNotMember, "player %s is not in room %s", playerID, roomID)
		}
		if err := statusAllowsSetup(r); err != nil {
			return err
		}
		p.LastSeenAt = m.opts.Now()
		if p.Ready {
			return nil
		}

		p.Ready = true
		m.emit(r, "player_ready", map[string]any{"playerId": playerID, "seat": p.Seat, "ready": true})

		if r.allReady() {
			return m.startLocked(r)
		}
		return nil
	})
}

// StartMatch 開局
func (m *Manager) StartMatch(ctx context.Context, roomID string) ([]Event, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return m.mutate(r, func() error {
		if err := statusAllowsSetup(r); err != nil {
			return err
		}
		if len(r.players) == 0 {
			return apperr.New(apperr.RoomEmpty, "room %s has no players", roomID)
		}
		if len(r.players) < r.engine.MinPlayers() {
			return apperr.New(apperr.RoomNotEnoughPlayers, "need %d players, have %d", r.engine.MinPlayers(), len(r.players))
		}
		return m.startLocked(r)
	})
}

func statusAllowsSetup(r *Room) error {
	switch r.status {
	case StatusActive:
		return apperr.New(apperr.RoomAlreadyActive, "room %s", r.id)
	case StatusFinished:
		return apperr.New(apperr.RoomAlreadyFinished, "room %s", r.id)
	}
	return nil
}

func (m *Manager) startLocked(r *Room) error {
	view := r.view()
	state, err := safeInitialState(r.engine, view)
	if err != nil {
		m.logger.Error("engine failed to create initial state", "room_id", r.id, "error", err)
		return apperr.Wrap(apperr.Internal, err, "create initial state")
	}

	r.state = state
	r.result = nil
	r.summary = ""
	r.status = StatusActive

	m.emit(r, "match_started", r.engine.DescribeMatchStart(view, state))
	if turn := r.engine.TurnInfo(r.view(), state); turn != nil {
		m.emit(r, "turn_started", turn)
	}

	metrics.MatchesStarted.Inc()
	m.logger.Info("match started", "room_id", r.id, "game_type", r.gameType, "players", len(r.players))
	return nil
}

// ApplyPlayerAction 套用玩家動作
//
// 流程：成員檢查 → 防重放守衛 → 狀態檢查 → 引擎。
// 守衛拒絕會對全房間發出 action_rejected 並記錄異常；
// 引擎拒絕只通知行動者，房間狀態不變。
func (m *Manager) ApplyPlayerAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	r, err := m.lookup(req.RoomID)
	if err != nil {
		return ActionResult{}, err
	}

	var res ActionResult
	events, err := m.mutate(r, func() error {
		return m.applyLocked(r, req, &res)
	})
	res.Events = events
	if err != nil {
		metrics.Actions.WithLabelValues(string(apperr.CodeOf(err))).Inc()
	} else {
		metrics.Actions.WithLabelValues("applied").Inc()
	}
	return res, err
}

func (m *Manager) applyLocked(r *Room, req ActionRequest, res *ActionResult) error {
	now := m.opts.Now()

	_, actor := r.findPlayer(req.PlayerID)
	if actor == nil {
		if _, watching := r.spectators[req.PlayerID]; watching {
			return apperr.New(apperr.RoomSpectatorForbidden, "spectators cannot act")
		}
		return apperr.New(apperr.RoomNotMember, "player %s is not in room %s", req.PlayerID, r.id)
	}
	actor.LastSeenAt = now

	if verdict := r.guard.check(req.PlayerID, req.Frame, req.IdempotencyKey); !verdict.ok() {
		res.Fingerprint = m.recordAnomaly(r, req, verdict)
		payload := map[string]any{
			"playerId":    req.PlayerID,
			"reason":      verdict.code,
			"action":      rawOrNull(req.Action),
			"fingerprint": res.Fingerprint,
		}
		if req.Frame != nil {
			payload["clientFrame"] = *req.Frame
			payload["expectedFrame"] = verdict.expected
		}
		ev := m.emit(r, "action_rejected", payload)
		res.Sequence = ev.Sequence
		return apperr.New(verdict.code, "player %s", req.PlayerID)
	}

	switch r.status {
	case StatusWaiting:
		return apperr.New(apperr.RoomNotActive, "room %s", r.id)
	case StatusFinished:
		return apperr.New(apperr.RoomAlreadyFinished, "room %s", r.id)
	}

	view := r.view()
	out, err := safeApply(r.engine, engine.ActionInput{
		Room:       view,
		State:      r.state,
		Players:    view.Players,
		ActingSeat: actor.Seat,
		Action:     req.Action,
	})
	if err != nil {
		m.logger.Error("engine failed to apply action", "room_id", r.id, "player_id", req.PlayerID, "error", err)
		return apperr.Wrap(apperr.ActionInvalid, err, "engine error")
	}
	if out.Reject != "" {
		ev := m.emit(r, "action_rejected", map[string]any{
			"playerId": req.PlayerID,
			"reason":   apperr.ActionInvalid,
			"detail":   out.Reject,
			"action":   rawOrNull(req.Action),
		}, req.PlayerID)
		res.Sequence = ev.Sequence
		return apperr.New(apperr.ActionInvalid, "engine rejected action").WithDetail(out.Reject)
	}

	r.state = out.State
	applied := map[string]any{
		"playerId": req.PlayerID,
		"seat":     actor.Seat,
		"action":   rawOrNull(req.Action),
	}
	if req.Frame != nil {
		applied["clientFrame"] = *req.Frame
	}
	m.emit(r, "action_applied", applied)
	for _, eff := range out.Effects {
		m.emit(r, eff.Type, eff.Payload)
	}
	// frame 與 key 只在引擎接受後消耗，引擎錯誤或拒絕時客戶端可用同一個 frame 重送
	r.guard.advance(req.PlayerID, req.Frame)
	r.guard.remember(req.PlayerID, req.IdempotencyKey, r.sequence)

	if out.Result != nil {
		m.finishLocked(r, *out.Result)
	} else if turn := r.engine.TurnInfo(r.view(), r.state); turn != nil {
		m.emit(r, "turn_started", turn)
	}

	res.Sequence = r.sequence
	return nil
}

func (m *Manager) finishLocked(r *Room, result engine.Result) {
	if result.WinnerSeats == nil {
		result.WinnerSeats = []int{}
	}
	r.result = &result
	r.status = StatusFinished

	desc := r.engine.DescribeResult(r.view(), result)
	r.summary = desc.Summary

	m.emit(r, "match_result", map[string]any{
		"winnerSeats": result.WinnerSeats,
		"draw":        result.Draw,
		"reason":      result.Reason,
		"summary":     desc.Summary,
		"details":     desc.EventPayload,
	})

	outcome := "win"
	if result.Draw {
		outcome = "draw"
	}
	metrics.MatchesFinished.WithLabelValues(outcome).Inc()
	m.logger.Info("match finished", "room_id", r.id, "winner_seats", result.WinnerSeats, "draw", result.Draw)
}

func (m *Manager) recordAnomaly(r *Room, req ActionRequest, v guardVerdict) string {
	if m.opts.Anomalies == nil {
		return anticheat.Fingerprint(r.id, req.PlayerID, v.kind, req.Action)
	}
	report := m.opts.Anomalies.Record(anticheat.Anomaly{
		RoomID:         r.id,
		PlayerID:       req.PlayerID,
		Kind:           v.kind,
		Code:           string(v.code),
		Action:         req.Action,
		Frame:          req.Frame,
		ExpectedFrame:  v.expected,
		IdempotencyKey: req.IdempotencyKey,
		At:             m.opts.Now(),
	})
	return report.Fingerprint
}

// BuildPublicState 房間公開投影
//
// 私人房間只對成員公開；邀請碼只給成員看。
func (m *Manager) BuildPublicState(roomID, viewerID string) (PublicState, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return PublicState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return PublicState{}, apperr.New(apperr.RoomNotFound, "room %s", roomID)
	}

	role := RoleObserver
	if _, p := r.findPlayer(viewerID); p != nil {
		role = RolePlayer
	} else if _, ok := r.spectators[viewerID]; ok {
		role = RoleSpectator
	}
	if role == RoleObserver && r.visibility == VisibilityPrivate {
		return PublicState{}, apperr.New(apperr.RoomNotMember, "room %s is private", roomID)
	}

	snap := r.snapshot()
	if role != RolePlayer {
		snap.InviteCode = ""
	}

	ps := PublicState{
		Room:    snap,
		Role:    role,
		Players: r.playerViews(),
	}
	if r.state != nil {
		view := r.view()
		ps.Game = r.engine.PublicState(view, r.state)
		if r.status == StatusActive {
			ps.Turn = r.engine.TurnInfo(view, r.state)
		}
	}
	if r.result != nil {
		ps.Result = map[string]any{
			"winnerSeats": r.result.WinnerSeats,
			"draw":        r.result.Draw,
			"reason":      r.result.Reason,
			"summary":     r.summary,
		}
	}
	return ps, nil
}

// LastFrame 玩家最後被接受的 frame
func (m *Manager) LastFrame(roomID, playerID string) (uint64, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guard.lastFrame(playerID), nil
}

func safeApply(e engine.Engine, in engine.ActionInput) (out engine.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = engine.Outcome{}, fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return e.ApplyAction(in)
}

func safeInitialState(e engine.Engine, view engine.RoomView) (state engine.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			state, err = nil, fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return e.CreateInitialState(view)
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("null")
	}
	return raw
}

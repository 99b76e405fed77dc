package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/room"
)

type handlerFunc func(ctx context.Context, c *Conn, msg inbound) error

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"join_room":          g.handleJoin,
		"watch_room":         g.handleWatch,
		"leave_room":         g.handleLeave,
		"leave_watch":        g.handleLeaveWatch,
		"kick_player":        g.handleKick,
		"ready":              g.handleReady,
		"play_action":        g.handleAction,
		"request_state":      g.handleRequestState,
		"create_room":        g.handleCreate,
		"start_matchmaking":  g.handleStartMatchmaking,
		"cancel_matchmaking": g.handleCancelMatchmaking,
		"request_replay":     g.handleReplay,
		"ping":               g.handlePing,
	}
}

// dispatch 解碼並路由一則客戶端訊息；錯誤只回覆給發送的連線
func (g *Gateway) dispatch(c *Conn, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.kind() == "" {
		g.reject(c, msg, apperr.New(apperr.BadRequest, "message must be a JSON object with an event tag"), nil, "")
		return
	}
	if !c.allow() {
		g.reject(c, msg, apperr.New(apperr.RateLimited, "too many messages"), nil, "")
		return
	}

	h, ok := g.handlers[msg.kind()]
	if !ok {
		g.reject(c, msg, apperr.New(apperr.BadRequest, "unknown message %q", msg.kind()), nil, "")
		return
	}
	if err := h(g.ctx, c, msg); err != nil {
		if apperr.CodeOf(err) == apperr.Internal {
			g.logger.Error("message handler failed", "event", msg.kind(), "player_id", c.playerID, "error", err)
		}
		g.reject(c, msg, err, nil, "")
	}
}

func (g *Gateway) reject(c *Conn, msg inbound, err error, action json.RawMessage, fingerprint string) {
	g.reply(c, outbound{
		Event: msgRejected,
		Data: rejection{
			Reason:      string(apperr.CodeOf(err)),
			Detail:      apperr.DetailOf(err),
			Request:     msg.kind(),
			Action:      action,
			Fingerprint: fingerprint,
		},
		RequestID: msg.RequestID,
	})
}

// decode 解碼訊息內容；沒有內容時回傳零值
func decode[T any](msg inbound) (T, error) {
	var v T
	body := msg.body()
	if len(body) == 0 || string(body) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, apperr.Wrap(apperr.BadRequest, err, "decode "+msg.kind())
	}
	return v, nil
}

// seatedRoom 未指定房間時使用玩家目前入座的房間
func (g *Gateway) seatedRoom(c *Conn, roomID string) (string, error) {
	if roomID != "" {
		return roomID, nil
	}
	if id, ok := g.rooms.RoomOf(c.playerID); ok {
		return id, nil
	}
	return "", apperr.New(apperr.BadRequest, "roomId is required")
}

func (g *Gateway) sendState(c *Conn, roomID, requestID string) error {
	ps, err := g.rooms.BuildPublicState(roomID, c.playerID)
	if err != nil {
		return err
	}
	g.reply(c, outbound{
		Event:     msgRoomState,
		Data:      map[string]any{"role": ps.Role, "state": ps},
		RoomID:    roomID,
		RequestID: requestID,
	})
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	if d.RoomID == "" && d.InviteCode == "" {
		return apperr.New(apperr.BadRequest, "roomId or inviteCode is required")
	}
	if _, err := g.rooms.JoinRoom(ctx, room.JoinParams{RoomID: d.RoomID, InviteCode: d.InviteCode, PlayerID: c.playerID}); err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	return g.sendState(c, roomID, msg.RequestID)
}

func (g *Gateway) handleWatch(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	roomID := d.RoomID
	if roomID == "" {
		if d.InviteCode == "" {
			return apperr.New(apperr.BadRequest, "roomId or inviteCode is required")
		}
		snap, err := g.rooms.RoomByInviteCode(d.InviteCode)
		if err != nil {
			return err
		}
		roomID = snap.ID
	}
	if _, err := g.rooms.JoinAsSpectator(ctx, room.JoinParams{RoomID: roomID, InviteCode: d.InviteCode, PlayerID: c.playerID}); err != nil {
		return err
	}
	return g.sendState(c, roomID, msg.RequestID)
}

func (g *Gateway) handleLeave(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	_, err = g.rooms.LeaveRoom(ctx, roomID, c.playerID)
	return err
}

func (g *Gateway) handleLeaveWatch(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	if d.RoomID == "" {
		return apperr.New(apperr.BadRequest, "roomId is required")
	}
	_, err = g.rooms.LeaveSpectator(ctx, d.RoomID, c.playerID)
	return err
}

func (g *Gateway) handleKick(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[kickData](msg)
	if err != nil {
		return err
	}
	if d.TargetID == "" {
		return apperr.New(apperr.BadRequest, "targetId is required")
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	_, err = g.rooms.KickPlayer(ctx, roomID, c.playerID, d.TargetID)
	return err
}

func (g *Gateway) handleReady(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	_, err = g.rooms.SetPlayerReady(ctx, roomID, c.playerID)
	return err
}

// handleAction 拒絕時附上原始動作與異常指紋
func (g *Gateway) handleAction(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[actionData](msg)
	if err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	res, err := g.rooms.ApplyPlayerAction(ctx, room.ActionRequest{
		RoomID:         roomID,
		PlayerID:       c.playerID,
		Action:         d.Action,
		Frame:          d.ClientFrame,
		IdempotencyKey: d.IdempotencyKey,
	})
	if err != nil {
		var action json.RawMessage
		if json.Valid(d.Action) {
			action = d.Action
		}
		g.reject(c, msg, err, action, res.Fingerprint)
	}
	return nil
}

func (g *Gateway) handleRequestState(_ context.Context, c *Conn, msg inbound) error {
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	return g.sendState(c, roomID, msg.RequestID)
}

func (g *Gateway) handleCreate(ctx context.Context, c *Conn, msg inbound) error {
	d, err := decode[createData](msg)
	if err != nil {
		return err
	}
	if d.GameType == "" {
		return apperr.New(apperr.BadRequest, "gameType is required")
	}

	params := room.CreateRoomParams{
		GameType:   d.GameType,
		PlayerIDs:  []string{c.playerID},
		Visibility: room.Visibility(d.Visibility),
	}
	if d.AllowSpectators != nil || d.SpectatorLimit != nil || d.SpectatorDelayMs != nil {
		policy := g.defaultPolicy
		if d.AllowSpectators != nil {
			policy.Allow = *d.AllowSpectators
		}
		if d.SpectatorLimit != nil {
			policy.Limit = *d.SpectatorLimit
		}
		if d.SpectatorDelayMs != nil {
			policy.Delay = time.Duration(*d.SpectatorDelayMs) * time.Millisecond
		}
		params.Policy = &policy
	}

	snap, _, err := g.rooms.CreateRoom(ctx, params)
	if err != nil {
		return err
	}
	return g.sendState(c, snap.ID, msg.RequestID)
}

func (g *Gateway) handleStartMatchmaking(ctx context.Context, c *Conn, msg inbound) error {
	if g.queue == nil {
		return apperr.New(apperr.BadRequest, "matchmaking is disabled")
	}
	d, err := decode[matchmakingData](msg)
	if err != nil {
		return err
	}
	tk, err := g.queue.Start(ctx, c.playerID, d.GameType)
	if err != nil {
		return err
	}
	g.reply(c, outbound{Event: msgTicket, Data: tk, RoomID: tk.RoomID, RequestID: msg.RequestID})
	return nil
}

func (g *Gateway) handleCancelMatchmaking(_ context.Context, c *Conn, msg inbound) error {
	if g.queue == nil {
		return apperr.New(apperr.BadRequest, "matchmaking is disabled")
	}
	d, err := decode[cancelData](msg)
	if err != nil {
		return err
	}
	if d.TicketID == "" {
		if tk, ok := g.queue.TicketOf(c.playerID); ok {
			d.TicketID = tk.ID
		}
	}
	if err := g.queue.Cancel(d.TicketID, c.playerID); err != nil {
		return err
	}
	g.reply(c, outbound{Event: msgTicketCanceled, Data: d, RequestID: msg.RequestID})
	return nil
}

// handleReplay 私人房間只給成員；房間已回收時仍可讀取紀錄
func (g *Gateway) handleReplay(_ context.Context, c *Conn, msg inbound) error {
	if g.audit == nil {
		return apperr.New(apperr.BadRequest, "replay is disabled")
	}
	d, err := decode[roomRef](msg)
	if err != nil {
		return err
	}
	roomID, err := g.seatedRoom(c, d.RoomID)
	if err != nil {
		return err
	}
	_, stateErr := g.rooms.BuildPublicState(roomID, c.playerID)
	if stateErr != nil && !apperr.HasCode(stateErr, apperr.RoomNotFound) {
		return stateErr
	}
	rp, err := g.audit.Replay(roomID)
	if err != nil {
		return err
	}
	if stateErr != nil && rp.Visibility == room.VisibilityPrivate {
		return apperr.New(apperr.RoomNotMember, "room %s is private", roomID)
	}
	g.reply(c, outbound{Event: msgReplay, Data: rp, RoomID: roomID, RequestID: msg.RequestID})
	return nil
}

func (g *Gateway) handlePing(_ context.Context, c *Conn, msg inbound) error {
	d, err := decode[pingData](msg)
	if err != nil {
		return err
	}
	g.reply(c, outbound{
		Event: msgPong,
		Data: map[string]any{
			"clientTimestamp": d.ClientTimestamp,
			"serverTimestamp": time.Now().UnixMilli(),
		},
		RequestID: msg.RequestID,
	})
	return nil
}

// Package ws 是手寫的 WebSocket 傳輸層（RFC 6455 子集）。
//
// 不依賴任何伺服器端 WebSocket 函式庫：
//   - handshake.go：HTTP 升級握手
//   - frame.go：幀的解析與編碼
//   - conn.go：每條連線的讀寫迴圈、心跳、限流、慢消費者處理
//   - gateway.go：連線註冊、房間事件扇出、配對通知
//   - dispatch.go：客戶端訊息路由到房間管理器與配對佇列
//
// 扇出時序：Gateway 作為 room.EventListener 在房間臨界區內被呼叫，
// 每個事件只排入各連線的出站佇列（非阻塞），因此同一房間的事件
// 對每條連線都依序號順序送達，慢連線也不會拖住房間。
package ws

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/turnroom/internal/audit"
	"github.com/koopa0/turnroom/internal/auth"
	"github.com/koopa0/turnroom/internal/matchmaking"
	"github.com/koopa0/turnroom/internal/metrics"
	"github.com/koopa0/turnroom/internal/room"
)

const handshakeTimeout = 10 * time.Second

// GatewayParams 閘道依賴
type GatewayParams struct {
	Rooms         *room.Manager
	Queue         *matchmaking.Queue // nil 時停用配對訊息
	Audit         *audit.Log         // nil 時停用重播訊息
	Auth          auth.Authenticator
	Options       ConnOptions
	DefaultPolicy room.SpectatorPolicy
	Logger        *slog.Logger
}

// Gateway 連線中心
type Gateway struct {
	rooms         *room.Manager
	queue         *matchmaking.Queue
	audit         *audit.Log
	auth          auth.Authenticator
	opts          ConnOptions
	defaultPolicy room.SpectatorPolicy
	logger        *slog.Logger
	handlers      map[string]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conns   map[string]map[string]*Conn  // playerID -> connID -> Conn
	members map[string]map[string]string // roomID -> playerID -> role（上一次扇出時的成員）
	stopped bool
	wg      sync.WaitGroup
}

// NewGateway 建立閘道；呼叫端負責把它註冊為房間事件訂閱者
func NewGateway(p GatewayParams) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		rooms:         p.Rooms,
		queue:         p.Queue,
		audit:         p.Audit,
		auth:          p.Auth,
		opts:          p.Options.withDefaults(),
		defaultPolicy: p.DefaultPolicy,
		logger:        p.Logger,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[string]map[string]*Conn),
		members:       make(map[string]map[string]string),
	}
	g.handlers = g.routes()
	if g.queue != nil {
		g.queue.OnMatched(g.onMatched)
	}
	return g
}

// ServeHTTP 驗證升級請求與憑證後接管連線，直到連線結束才返回
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := ValidateUpgrade(r)
	if err != nil {
		w.Header().Set("Connection", "close")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	playerID, err := auth.FromRequest(r.Context(), g.auth, r)
	if err != nil {
		w.Header().Set("Connection", "close")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	nc, brw, err := hj.Hijack()
	if err != nil {
		g.logger.Error("hijack failed", "error", err)
		return
	}
	// 清除 http.Server 設定的期限
	_ = nc.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(brw.Writer, key); err != nil {
		g.logger.Debug("write handshake failed", "error", err)
		nc.Close()
		return
	}
	g.run(nc, brw.Reader, playerID)
}

// ServeConn 在原始連線上自行讀取 HTTP 升級請求
func (g *Gateway) ServeConn(ctx context.Context, nc net.Conn, br *bufio.Reader) {
	if br == nil {
		br = bufio.NewReader(nc)
	}
	_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))

	req, err := http.ReadRequest(br)
	if err != nil {
		_ = writeRejection(nc, http.StatusBadRequest, "malformed request")
		nc.Close()
		return
	}
	key, err := ValidateUpgrade(req)
	if err != nil {
		metrics.ProtocolViolations.WithLabelValues("bad_handshake").Inc()
		_ = writeRejection(nc, http.StatusBadRequest, err.Error())
		nc.Close()
		return
	}
	playerID, err := auth.FromRequest(ctx, g.auth, req)
	if err != nil {
		_ = writeRejection(nc, http.StatusUnauthorized, "unauthorized")
		nc.Close()
		return
	}

	if err := writeSwitchingProtocols(bufio.NewWriter(nc), key); err != nil {
		nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	g.run(nc, br, playerID)
}

// Serve 接受連線直到 ctx 取消或 listener 關閉
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go g.ServeConn(ctx, nc, nil)
	}
}

// run 註冊連線並執行讀取迴圈，直到連線關閉
func (g *Gateway) run(nc net.Conn, br *bufio.Reader, playerID string) {
	c := newConn(uuid.NewString(), playerID, nc, br, g.opts, g.logger)
	if !g.register(c) {
		_, _ = nc.Write(EncodeClose(CloseGoingAway, "server shutting down"))
		nc.Close()
		return
	}
	defer g.wg.Done()
	defer g.unregister(c)

	go c.writeLoop()
	go c.delayLoop()
	g.sendAck(c)

	if err := c.readLoop(func(msg []byte) { g.dispatch(c, msg) }); err != nil {
		g.logger.Debug("connection read ended", "conn_id", c.id, "error", err)
	}
	<-c.Done()
}

func (g *Gateway) register(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	set, ok := g.conns[c.playerID]
	if !ok {
		set = make(map[string]*Conn)
		g.conns[c.playerID] = set
	}
	set[c.id] = c
	g.wg.Add(1)
	metrics.OpenConnections.Inc()
	g.logger.Info("connection opened", "conn_id", c.id, "player_id", c.playerID)
	return true
}

// unregister 只移除連線；票券與房間成員不受影響，重連後以 request_state 恢復
func (g *Gateway) unregister(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.conns[c.playerID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(g.conns, c.playerID)
		}
	}
	metrics.OpenConnections.Dec()
	g.logger.Info("connection closed", "conn_id", c.id, "player_id", c.playerID)
}

func (g *Gateway) sendAck(c *Conn) {
	data := map[string]any{
		"connectionId": c.id,
		"playerId":     c.playerID,
		"serverTime":   timestamp(time.Now()),
	}
	if roomID, ok := g.rooms.RoomOf(c.playerID); ok {
		data["roomId"] = roomID
	}
	if g.queue != nil {
		if tk, ok := g.queue.TicketOf(c.playerID); ok {
			data["ticket"] = tk
		}
	}
	g.reply(c, outbound{Event: msgConnectionAck, Data: data})
}

// reply 只送給單一連線
func (g *Gateway) reply(c *Conn, m outbound) {
	frame, err := encodeMessage(m)
	if err != nil {
		g.logger.Error("encode message failed", "event", m.Event, "error", err)
		return
	}
	c.send(frame)
}

// sendToPlayer 送給玩家的所有連線（多裝置）
func (g *Gateway) sendToPlayer(playerID string, frame []byte) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, c := range g.conns[playerID] {
		if c.send(frame) {
			n++
		}
	}
	return n
}

// sendDelayedToPlayer 觀戰幀；只延遲該房間的幀，同一連線的其他訊息照常送出
func (g *Gateway) sendDelayedToPlayer(playerID, roomID string, frame []byte, at time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns[playerID] {
		c.sendAfter(roomID, frame, at)
	}
}

// OnRoomEvents 實作 room.EventListener
//
// 收件者為目前成員加上前一次扇出時的成員，
// 剛離開或被踢出的玩家仍會收到自己的離開事件。
func (g *Gateway) OnRoomEvents(snap room.Snapshot, events []room.Event) {
	current := make(map[string]string, len(snap.Players)+len(snap.Spectators))
	for _, p := range snap.Players {
		current[p.ID] = room.RolePlayer
	}
	for _, s := range snap.Spectators {
		current[s.ID] = room.RoleSpectator
	}

	g.mu.Lock()
	recipients := make(map[string]string, len(current))
	for id, role := range g.members[snap.ID] {
		recipients[id] = role
	}
	for id, role := range current {
		recipients[id] = role
	}
	if len(current) == 0 {
		delete(g.members, snap.ID)
	} else {
		g.members[snap.ID] = current
	}
	g.mu.Unlock()

	now := time.Now()
	var spectatorAt time.Time
	if snap.Policy.Delay > 0 {
		spectatorAt = now.Add(snap.Policy.Delay)
	}

	for _, ev := range events {
		frame, err := encodeMessage(outbound{
			Event:     ev.Type,
			Data:      ev.Payload,
			RoomID:    snap.ID,
			Sequence:  ev.Sequence,
			Timestamp: timestamp(ev.Timestamp),
		})
		if err != nil {
			g.logger.Error("encode room event failed", "room_id", snap.ID, "type", ev.Type, "error", err)
			continue
		}

		if ev.Audience != nil {
			for _, id := range ev.Audience {
				g.sendToPlayer(id, frame)
			}
			continue
		}
		for id, role := range recipients {
			if role == room.RoleSpectator {
				g.sendDelayedToPlayer(id, snap.ID, frame, spectatorAt)
				continue
			}
			g.sendToPlayer(id, frame)
		}
	}
}

// onMatched 配對成功時通知每位玩家
func (g *Gateway) onMatched(snap room.Snapshot, tickets []matchmaking.Ticket) {
	for _, tk := range tickets {
		frame, err := encodeMessage(outbound{
			Event:  msgMatchFound,
			Data:   map[string]any{"ticket": tk, "room": snap},
			RoomID: snap.ID,
		})
		if err != nil {
			g.logger.Error("encode match_found failed", "error", err)
			return
		}
		g.sendToPlayer(tk.PlayerID, frame)
	}
}

// Connections 目前連線數
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.conns {
		n += len(set)
	}
	return n
}

// Stats 統計資訊
func (g *Gateway) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.conns {
		n += len(set)
	}
	return map[string]any{
		"connections":   n,
		"players":       len(g.conns),
		"tracked_rooms": len(g.members),
	}
}

// Stop 以 1001 關閉所有連線並等待連線 goroutine 結束
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	var all []*Conn
	for _, set := range g.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range all {
		c.Close(CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("gateway stopped", "closed_connections", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

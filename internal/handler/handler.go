// Package handler 提供營運用的 HTTP API：房間查詢、回放、配對、異常與封禁管理。
//
// 遊戲流程本身走 WebSocket；這裡只做查詢與後台操作。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/audit"
	"github.com/koopa0/turnroom/internal/auth"
	"github.com/koopa0/turnroom/internal/matchmaking"
	"github.com/koopa0/turnroom/internal/metrics"
	"github.com/koopa0/turnroom/internal/moderation"
	"github.com/koopa0/turnroom/internal/room"
)

// StatsSource 額外的統計來源（例如 WebSocket 閘道）
type StatsSource interface {
	Stats() map[string]any
}

// Params 相依元件；除 Rooms 與 Auth 外皆可為 nil，對應的路由會回 404
type Params struct {
	Rooms      *room.Manager
	Queue      *matchmaking.Queue
	Audit      *audit.Log
	Anomalies  *anticheat.Monitor
	Moderation moderation.Store
	Auth       auth.Authenticator
	Gateway    StatsSource

	// DefaultPolicy 建立房間時只覆寫請求有帶的觀戰欄位
	DefaultPolicy room.SpectatorPolicy
}

// Handler HTTP 處理器
type Handler struct {
	p      Params
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler 創建處理器
func NewHandler(p Params, logger *slog.Logger) *Handler {
	return &Handler{
		p:      p,
		logger: logger.With("component", "http"),
		now:    time.Now,
	}
}

// Routes 設置路由
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/replay", wrap(h.getReplay))

	mux.HandleFunc("POST /api/v1/matchmaking", wrap(h.startMatchmaking))
	mux.HandleFunc("GET /api/v1/matchmaking/{ticket_id}", wrap(h.getTicket))
	mux.HandleFunc("DELETE /api/v1/matchmaking/{ticket_id}", wrap(h.cancelMatchmaking))

	mux.HandleFunc("GET /api/v1/anomalies", wrap(h.listAnomalies))

	mux.HandleFunc("PUT /api/v1/bans/{player_id}", wrap(h.ban))
	mux.HandleFunc("DELETE /api/v1/bans/{player_id}", wrap(h.unban))
	mux.HandleFunc("PUT /api/v1/blocks/{player_id}/{other_id}", wrap(h.block))
	mux.HandleFunc("DELETE /api/v1/blocks/{player_id}/{other_id}", wrap(h.unblock))

	return mux
}

// CreateRoomRequest 建立房間請求
type CreateRoomRequest struct {
	GameType         string `json:"gameType"`
	Visibility       string `json:"visibility"`
	AllowSpectators  *bool  `json:"allowSpectators,omitempty"`
	SpectatorLimit   *int   `json:"spectatorLimit,omitempty"`
	SpectatorDelayMs *int64 `json:"spectatorDelayMs,omitempty"`
}

// createRoom 建立房間，呼叫者成為房主
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	playerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}
	if req.GameType == "" {
		h.errorResponse(w, apperr.New(apperr.BadRequest, "gameType is required"))
		return
	}

	params := room.CreateRoomParams{
		GameType:   req.GameType,
		PlayerIDs:  []string{playerID},
		Visibility: room.Visibility(req.Visibility),
	}
	if req.AllowSpectators != nil || req.SpectatorLimit != nil || req.SpectatorDelayMs != nil {
		policy := h.p.DefaultPolicy
		if req.AllowSpectators != nil {
			policy.Allow = *req.AllowSpectators
		}
		if req.SpectatorLimit != nil {
			policy.Limit = *req.SpectatorLimit
		}
		if req.SpectatorDelayMs != nil {
			policy.Delay = time.Duration(*req.SpectatorDelayMs) * time.Millisecond
		}
		params.Policy = &policy
	}

	snap, _, err := h.p.Rooms.CreateRoom(r.Context(), params)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, snap, http.StatusCreated)
}

// listRooms 列出公開房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	rooms := h.p.Rooms.ListRooms(room.ListFilter{
		Status:   room.Status(query.Get("status")),
		GameType: query.Get("game_type"),
	})
	if rooms == nil {
		rooms = []room.Snapshot{}
	}

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	total := len(rooms)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms[start:end],
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoom 房間公開狀態；帶 bearer 時以該玩家的身分觀看
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	viewer, ok := h.optionalViewer(w, r)
	if !ok {
		return
	}
	state, err := h.p.Rooms.BuildPublicState(roomID, viewer)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, state, http.StatusOK)
}

// getReplay 回放紀錄；房間回收後仍可讀取，私人房間只給成員
func (h *Handler) getReplay(w http.ResponseWriter, r *http.Request) {
	if h.p.Audit == nil {
		h.errorResponse(w, apperr.New(apperr.RoomNotFound, "replay is disabled"))
		return
	}
	roomID := r.PathValue("room_id")

	viewer, ok := h.optionalViewer(w, r)
	if !ok {
		return
	}
	_, stateErr := h.p.Rooms.BuildPublicState(roomID, viewer)
	if stateErr != nil && !apperr.HasCode(stateErr, apperr.RoomNotFound) {
		h.errorResponse(w, stateErr)
		return
	}

	rp, err := h.p.Audit.Replay(roomID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if stateErr != nil && rp.Visibility == room.VisibilityPrivate {
		h.errorResponse(w, apperr.New(apperr.RoomNotMember, "room %s is private", roomID))
		return
	}
	h.jsonResponse(w, rp, http.StatusOK)
}

// MatchmakingRequest 開始配對請求
type MatchmakingRequest struct {
	GameType string `json:"gameType"`
}

// startMatchmaking 加入配對佇列
func (h *Handler) startMatchmaking(w http.ResponseWriter, r *http.Request) {
	if h.p.Queue == nil {
		h.errorResponse(w, apperr.New(apperr.TicketNotFound, "matchmaking is disabled"))
		return
	}
	playerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req MatchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}

	tk, err := h.p.Queue.Start(r.Context(), playerID, req.GameType)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	status := http.StatusAccepted
	if tk.Status == matchmaking.StatusMatched {
		status = http.StatusOK
	}
	h.jsonResponse(w, tk, status)
}

// getTicket 查詢票券（輪詢用）
func (h *Handler) getTicket(w http.ResponseWriter, r *http.Request) {
	if h.p.Queue == nil {
		h.errorResponse(w, apperr.New(apperr.TicketNotFound, "matchmaking is disabled"))
		return
	}
	playerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	tk, err := h.p.Queue.Ticket(r.PathValue("ticket_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if tk.PlayerID != playerID {
		h.errorResponse(w, apperr.New(apperr.TicketForbidden, "ticket belongs to another player"))
		return
	}
	h.jsonResponse(w, tk, http.StatusOK)
}

// cancelMatchmaking 取消等待中的票券
func (h *Handler) cancelMatchmaking(w http.ResponseWriter, r *http.Request) {
	if h.p.Queue == nil {
		h.errorResponse(w, apperr.New(apperr.TicketNotFound, "matchmaking is disabled"))
		return
	}
	playerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	ticketID := r.PathValue("ticket_id")
	if err := h.p.Queue.Cancel(ticketID, playerID); err != nil {
		h.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAnomalies 列出異常報告
func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	if h.p.Anomalies == nil {
		h.jsonResponse(w, map[string]any{"anomalies": []anticheat.Report{}}, http.StatusOK)
		return
	}
	query := r.URL.Query()
	reports := h.p.Anomalies.List(anticheat.Filter{
		RoomID:      query.Get("room_id"),
		PlayerID:    query.Get("player_id"),
		MinSeverity: anticheat.Severity(query.Get("min_severity")),
	})
	h.jsonResponse(w, map[string]any{"anomalies": reports}, http.StatusOK)
}

func (h *Handler) ban(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, func(s moderation.Store) error {
		return s.Ban(r.Context(), r.PathValue("player_id"))
	})
}

func (h *Handler) unban(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, func(s moderation.Store) error {
		return s.Unban(r.Context(), r.PathValue("player_id"))
	})
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, func(s moderation.Store) error {
		a, b := r.PathValue("player_id"), r.PathValue("other_id")
		if a == b {
			return apperr.New(apperr.BadRequest, "a player cannot block themselves")
		}
		return s.Block(r.Context(), a, b)
	})
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, func(s moderation.Store) error {
		return s.Unblock(r.Context(), r.PathValue("player_id"), r.PathValue("other_id"))
	})
}

func (h *Handler) moderate(w http.ResponseWriter, r *http.Request, fn func(moderation.Store) error) {
	if h.p.Moderation == nil {
		h.errorResponse(w, apperr.New(apperr.BadRequest, "moderation is disabled"))
		return
	}
	if err := fn(h.p.Moderation); err != nil {
		h.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   h.now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"rooms": h.p.Rooms.Stats()}
	if h.p.Queue != nil {
		out["matchmaking"] = h.p.Queue.Stats()
	}
	if h.p.Anomalies != nil {
		out["anomalies"] = h.p.Anomalies.Stats()
	}
	if h.p.Gateway != nil {
		out["gateway"] = h.p.Gateway.Stats()
	}
	h.jsonResponse(w, out, http.StatusOK)
}

// authenticate 驗證 bearer；失敗時已寫出 401
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	playerID, err := auth.FromRequest(r.Context(), h.p.Auth, r)
	if err != nil {
		h.errorResponse(w, apperr.Wrap(apperr.Unauthorized, err, "authentication failed"))
		return "", false
	}
	return playerID, true
}

// optionalViewer 沒帶憑證視為匿名；帶了錯誤的憑證則回 401
func (h *Handler) optionalViewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	if auth.BearerFromRequest(r) == "" {
		return "", true
	}
	return h.authenticate(w, r)
}

// statusOf 錯誤代碼對應的 HTTP 狀態碼
func statusOf(code apperr.Code) int {
	switch code {
	case apperr.RoomNotFound, apperr.TicketNotFound:
		return http.StatusNotFound
	case apperr.RoomNotMember, apperr.RoomNotOwner, apperr.TicketForbidden,
		apperr.PlayerBanned, apperr.RoomPlayerBlocked, apperr.RoomSpectatorForbidden,
		apperr.RoomSpectatorsDisabled:
		return http.StatusForbidden
	case apperr.AlreadyInRoom, apperr.AlreadyMatched, apperr.RoomFull,
		apperr.RoomAlreadyActive, apperr.RoomAlreadyFinished, apperr.RoomSpectatorsLimit,
		apperr.ActionDuplicate:
		return http.StatusConflict
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Internal, apperr.InviteCodeExhausted:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// errorResponse 返回錯誤響應，內部錯誤不外露細節
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)

	message := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err == nil && ae.Message != "" {
		message = ae.Message
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = "internal server error"
	}

	body := map[string]any{
		"error": message,
		"code":  code,
	}
	if detail := apperr.DetailOf(err); detail != "" {
		body["detail"] = detail
	}
	h.jsonResponse(w, body, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperr.New(apperr.Internal, "panic"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

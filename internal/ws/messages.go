package ws

import (
	"encoding/json"
	"time"
)

// inbound 客戶端訊息；標籤可放在 event 或 type，內容可放在 data 或 payload
type inbound struct {
	Event     string          `json:"event"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

func (m inbound) kind() string {
	if m.Event != "" {
		return m.Event
	}
	return m.Type
}

func (m inbound) body() json.RawMessage {
	if len(m.Data) > 0 {
		return m.Data
	}
	return m.Payload
}

// outbound 伺服器訊息
//
// 房間事件帶 roomId 與 sequence；對單一請求的回覆帶 requestId。
type outbound struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// 伺服器訊息類型
const (
	msgConnectionAck  = "connection_ack"
	msgRoomState      = "room_state"
	msgTicket         = "ticket"
	msgTicketCanceled = "ticket_cancelled"
	msgMatchFound     = "match_found"
	msgReplay         = "replay"
	msgPong           = "pong"
	msgRejected       = "action_rejected"
)

type roomRef struct {
	RoomID     string `json:"roomId"`
	InviteCode string `json:"inviteCode"`
}

type kickData struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId"`
}

type actionData struct {
	RoomID         string          `json:"roomId"`
	Action         json.RawMessage `json:"action"`
	ClientFrame    *uint64         `json:"clientFrame"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type createData struct {
	GameType         string `json:"gameType"`
	Visibility       string `json:"visibility"`
	AllowSpectators  *bool  `json:"allowSpectators"`
	SpectatorLimit   *int   `json:"spectatorLimit"`
	SpectatorDelayMs *int64 `json:"spectatorDelayMs"`
}

type matchmakingData struct {
	GameType string `json:"gameType"`
}

type cancelData struct {
	TicketID string `json:"ticketId"`
}

type pingData struct {
	ClientTimestamp any `json:"clientTimestamp,omitempty"`
}

type rejection struct {
	Reason      string          `json:"reason"`
	Detail      string          `json:"detail,omitempty"`
	Request     string          `json:"request,omitempty"`
	Action      json.RawMessage `json:"action,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

func encodeMessage(m outbound) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(OpText, data), nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

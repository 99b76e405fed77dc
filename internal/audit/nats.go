package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig JetStream 匯出設定
type NATSConfig struct {
	URL           string
	Stream        string // 例如 AUDIT
	SubjectPrefix string // 例如 audit，subject 為 audit.{roomID}
	MaxAge        time.Duration
}

// NATSExporter 將稽核紀錄發布到 JetStream
//
// 每個房間一個 subject，同一房間的紀錄在 stream 中保持順序；
// Nats-Msg-Id 設為 {roomID}:{sequence}，重送時由 JetStream 去重。
type NATSExporter struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config NATSConfig
	logger *slog.Logger
}

// streamMessage 發布到 JetStream 的內容
type streamMessage struct {
	RoomID string `json:"roomId"`
	Entry
}

// NewNATSExporter 連線並建立或更新 stream
func NewNATSExporter(cfg NATSConfig, logger *slog.Logger) (*NATSExporter, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("turnroom-audit"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	e := &NATSExporter{conn: conn, js: js, config: cfg, logger: logger}
	if err := e.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *NATSExporter) initStream() error {
	sc := &nats.StreamConfig{
		Name:       e.config.Stream,
		Subjects:   []string{e.config.SubjectPrefix + ".*"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     e.config.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: 2 * time.Minute,
	}

	_, err := e.js.AddStream(sc)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = e.js.UpdateStream(sc)
	}
	if err != nil {
		return fmt.Errorf("create stream %s: %w", e.config.Stream, err)
	}
	return nil
}

func (e *NATSExporter) subject(roomID string) string {
	return e.config.SubjectPrefix + "." + roomID
}

// Name 實作 Exporter
func (e *NATSExporter) Name() string { return "nats" }

// Export 發布並等待 JetStream ACK
func (e *NATSExporter) Export(ctx context.Context, roomID string, entry Entry) error {
	data, err := json.Marshal(streamMessage{RoomID: roomID, Entry: entry})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	msgID := fmt.Sprintf("%s:%d", roomID, entry.Sequence)
	if _, err := e.js.Publish(e.subject(roomID), data, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish entry: %w", err)
	}
	return nil
}

// LoadChain 從 stream 讀回房間的整條鏈
func (e *NATSExporter) LoadChain(ctx context.Context, roomID string) ([]Entry, error) {
	sub, err := e.js.SubscribeSync(e.subject(roomID), nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", roomID, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var entries []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := sub.NextMsg(500 * time.Millisecond)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read entry: %w", err)
		}
		var sm streamMessage
		if err := json.Unmarshal(msg.Data, &sm); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, sm.Entry)
	}
	return entries, nil
}

// Close 排空後關閉連線
func (e *NATSExporter) Close() {
	if err := e.conn.Drain(); err != nil {
		e.conn.Close()
	}
}

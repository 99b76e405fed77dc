// Package audit 為每個房間維護雜湊鏈結的事件紀錄。
//
// 每筆紀錄的 hash = SHA-256({sequence, type, payload, timestamp, prevHash})，
// prevHash 為前一筆的 hash，第一筆使用 GenesisHash。
// 任何一筆被修改、刪除或重排，後續的鏈結都會對不上。
//
// Log 實作 room.EventListener，在房間臨界區內被呼叫，
// 所以只做記憶體追加；外部匯出交給背景 goroutine。
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/turnroom/internal/apperr"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/metrics"
	"github.com/koopa0/turnroom/internal/room"
)

// GenesisHash 第一筆紀錄的 prevHash
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const exportQueueSize = 1024

// Entry 稽核紀錄
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

// hashInput 參與雜湊的欄位，欄位順序固定
type hashInput struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	PrevHash  string          `json:"prevHash"`
}

// ComputeHash 計算紀錄的雜湊（忽略 e.Hash）
func ComputeHash(e Entry) string {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	data, err := json.Marshal(hashInput{
		Sequence:  e.Sequence,
		Type:      e.Type,
		Payload:   payload,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		// payload 不是合法 JSON 時退回原始位元組
		data = fmt.Appendf(nil, "%d|%s|%s|%s|%s", e.Sequence, e.Type, e.Payload,
			e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainError 鏈結驗證失敗
type ChainError struct {
	Index    int
	Sequence uint64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (sequence %d): %s", e.Index, e.Sequence, e.Reason)
}

// VerifyChain 重新計算整條鏈
func VerifyChain(entries []Entry) error {
	prev := GenesisHash
	var lastSeq uint64
	for i, e := range entries {
		if i > 0 && e.Sequence <= lastSeq {
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "sequence not increasing"}
		}
		if e.PrevHash != prev {
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "prevHash mismatch"}
		}
		if ComputeHash(e) != e.Hash {
			return &ChainError{Index: i, Sequence: e.Sequence, Reason: "hash mismatch"}
		}
		prev = e.Hash
		lastSeq = e.Sequence
	}
	return nil
}

// Integrity 鏈結摘要
type Integrity struct {
	TailHash   string `json:"tailHash"`
	EventCount int    `json:"eventCount"`
}

// Replay 房間的完整重播資料
type Replay struct {
	RoomID     string         `json:"roomId"`
	GameType   string         `json:"gameType"`
	Visibility room.Visibility `json:"visibility"`
	CreatedAt  time.Time      `json:"createdAt"`
	Result     *engine.Result `json:"result,omitempty"`
	Entries    []Entry        `json:"entries"`
	Integrity  Integrity      `json:"integrity"`
}

// Exporter 將紀錄寫到外部系統
type Exporter interface {
	Name() string
	Export(ctx context.Context, roomID string, e Entry) error
}

type exportJob struct {
	roomID string
	entry  Entry
}

type record struct {
	roomID     string
	gameType   string
	visibility room.Visibility
	createdAt  time.Time
	result     *engine.Result
	entries    []Entry
}

func (r *record) tail() string {
	if len(r.entries) == 0 {
		return GenesisHash
	}
	return r.entries[len(r.entries)-1].Hash
}

// Log 稽核紀錄
type Log struct {
	mu      sync.RWMutex
	rooms   map[string]*record
	logger  *slog.Logger
	exports []Exporter
	queue   chan exportJob
	closed  bool
	done    chan struct{}
}

// NewLog 建立稽核紀錄；有匯出器時啟動背景匯出
func NewLog(logger *slog.Logger, exporters ...Exporter) *Log {
	l := &Log{
		rooms:   make(map[string]*record),
		logger:  logger,
		exports: exporters,
		done:    make(chan struct{}),
	}
	if len(exporters) > 0 {
		l.queue = make(chan exportJob, exportQueueSize)
		go l.exportLoop()
	} else {
		close(l.done)
	}
	return l
}

// RegisterRoom 第一次看到房間時建立紀錄（冪等）
func (l *Log) RegisterRoom(snap room.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registerLocked(snap)
}

func (l *Log) registerLocked(snap room.Snapshot) *record {
	rec, ok := l.rooms[snap.ID]
	if !ok {
		rec = &record{
			roomID:     snap.ID,
			gameType:   snap.GameType,
			visibility: snap.Visibility,
			createdAt:  snap.CreatedAt,
		}
		l.rooms[snap.ID] = rec
	}
	return rec
}

// AppendEvent 追加事件
//
// 事件序號必須嚴格遞增，否則拒絕且不改動鏈。
// snapshot 帶有結果時一併保存，房間之後被重置也能重播。
func (l *Log) AppendEvent(snap room.Snapshot, ev room.Event) (Entry, error) {
	l.mu.Lock()
	rec := l.registerLocked(snap)
	if n := len(rec.entries); n > 0 && ev.Sequence <= rec.entries[n-1].Sequence {
		last := rec.entries[n-1].Sequence
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("room %s: sequence %d after %d", snap.ID, ev.Sequence, last)
	}

	entry := Entry{
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
		PrevHash:  rec.tail(),
	}
	entry.Hash = ComputeHash(entry)
	rec.entries = append(rec.entries, entry)
	if snap.Result != nil {
		result := *snap.Result
		rec.result = &result
	}
	l.enqueueLocked(snap.ID, entry)
	l.mu.Unlock()
	return entry, nil
}

// OnRoomEvents 實作 room.EventListener
func (l *Log) OnRoomEvents(snap room.Snapshot, events []room.Event) {
	for _, ev := range events {
		if _, err := l.AppendEvent(snap, ev); err != nil {
			l.logger.Error("audit append failed", "room_id", snap.ID, "sequence", ev.Sequence, "error", err)
		}
	}
}

// Replay 取得房間重播資料
func (l *Log) Replay(roomID string) (Replay, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.rooms[roomID]
	if !ok {
		return Replay{}, apperr.New(apperr.RoomNotFound, "no audit record for room %s", roomID)
	}
	entries := make([]Entry, len(rec.entries))
	copy(entries, rec.entries)

	rp := Replay{
		RoomID:     rec.roomID,
		GameType:   rec.gameType,
		Visibility: rec.visibility,
		CreatedAt:  rec.createdAt,
		Entries:    entries,
		Integrity:  Integrity{TailHash: rec.tail(), EventCount: len(entries)},
	}
	if rec.result != nil {
		result := *rec.result
		rp.Result = &result
	}
	return rp, nil
}

// Rooms 有紀錄的房間 ID（排序後）
func (l *Log) Rooms() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// enqueueLocked 呼叫端持有 l.mu
func (l *Log) enqueueLocked(roomID string, e Entry) {
	if l.queue == nil || l.closed {
		return
	}
	select {
	case l.queue <- exportJob{roomID: roomID, entry: e}:
	default:
		// 佇列滿時丟棄；記憶體中的鏈仍完整
		for _, ex := range l.exports {
			metrics.AuditExports.WithLabelValues(ex.Name(), "dropped").Inc()
		}
		l.logger.Warn("audit export queue full, entry dropped", "room_id", roomID, "sequence", e.Sequence)
	}
}

// exportLoop 單一 goroutine 依序匯出，保持每個房間的順序
func (l *Log) exportLoop() {
	defer close(l.done)
	for job := range l.queue {
		for _, ex := range l.exports {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := ex.Export(ctx, job.roomID, job.entry)
			cancel()
			if err != nil {
				metrics.AuditExports.WithLabelValues(ex.Name(), "error").Inc()
				l.logger.Error("audit export failed",
					"exporter", ex.Name(),
					"room_id", job.roomID,
					"sequence", job.entry.Sequence,
					"error", err)
				continue
			}
			metrics.AuditExports.WithLabelValues(ex.Name(), "ok").Inc()
		}
	}
}

// Close 停止接收新的匯出並等待佇列清空
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		if l.queue != nil {
			close(l.queue)
		}
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package anticheat 記錄動作守衛偵測到的異常（重複、重放、亂序），
// 並以內容定址的指紋去重，供稽核人員檢視。
package anticheat

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/turnroom/internal/metrics"
)

// Kind 異常類型
type Kind string

const (
	KindDuplicate     Kind = "duplicate"
	KindFrameReplayed Kind = "frame_replayed"
	KindOutOfSync     Kind = "frame_out_of_sync"
)

// Severity 嚴重程度
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// SeverityOf 重複提交通常是客戶端重試，屬於 info；重放與亂序屬於 warning
func SeverityOf(k Kind) Severity {
	if k == KindDuplicate {
		return SeverityInfo
	}
	return SeverityWarning
}

// Anomaly 一次偵測到的異常
type Anomaly struct {
	RoomID         string
	PlayerID       string
	Kind           Kind
	Code           string // 拒絕代碼，例如 ACTION_DUPLICATE
	Action         json.RawMessage
	Frame          *uint64
	ExpectedFrame  uint64
	IdempotencyKey string
	At             time.Time
}

// Report 以指紋聚合後的異常報告
type Report struct {
	Fingerprint    string          `json:"fingerprint"`
	RoomID         string          `json:"roomId"`
	PlayerID       string          `json:"playerId"`
	Kind           Kind            `json:"kind"`
	Severity       Severity        `json:"severity"`
	Code           string          `json:"code"`
	Action         json.RawMessage `json:"action,omitempty"`
	Frame          *uint64         `json:"frame,omitempty"`
	ExpectedFrame  uint64          `json:"expectedFrame,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Count          int             `json:"count"`
	FirstSeen      time.Time       `json:"firstSeen"`
	LastSeen       time.Time       `json:"lastSeen"`
}

// Filter 查詢條件（空值代表不過濾）
type Filter struct {
	RoomID      string
	PlayerID    string
	MinSeverity Severity
}

// Monitor 異常監控器
type Monitor struct {
	mu      sync.RWMutex
	reports map[string]*Report
	logger  *slog.Logger
	now     func() time.Time
}

// NewMonitor 建立監控器
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		reports: make(map[string]*Report),
		logger:  logger,
		now:     time.Now,
	}
}

// Fingerprint 計算異常指紋
//
// 相同房間、玩家、類型與動作內容的異常得到相同指紋。
func Fingerprint(roomID, playerID string, kind Kind, action json.RawMessage) string {
	canonical := struct {
		RoomID   string          `json:"roomId"`
		PlayerID string          `json:"playerId"`
		Kind     Kind            `json:"kind"`
		Action   json.RawMessage `json:"action"`
	}{roomID, playerID, kind, compact(action)}

	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		// 非法 JSON 以字串形式保留，確保指紋仍可計算
		s, _ := json.Marshal(string(raw))
		return s
	}
	return buf.Bytes()
}

// Record 記錄異常並回傳聚合後的報告
func (m *Monitor) Record(a Anomaly) Report {
	if a.At.IsZero() {
		a.At = m.now()
	}
	fp := Fingerprint(a.RoomID, a.PlayerID, a.Kind, a.Action)
	severity := SeverityOf(a.Kind)

	m.mu.Lock()
	r, exists := m.reports[fp]
	if !exists {
		r = &Report{
			Fingerprint: fp,
			RoomID:      a.RoomID,
			PlayerID:    a.PlayerID,
			Kind:        a.Kind,
			Severity:    severity,
			Code:        a.Code,
			Action:      compact(a.Action),
			FirstSeen:   a.At,
		}
		m.reports[fp] = r
	}
	r.Count++
	r.LastSeen = a.At
	r.Frame = a.Frame
	r.ExpectedFrame = a.ExpectedFrame
	r.IdempotencyKey = a.IdempotencyKey
	out := *r
	m.mu.Unlock()

	metrics.Anomalies.WithLabelValues(string(a.Kind), string(severity)).Inc()

	log := m.logger.Info
	if severity == SeverityWarning {
		log = m.logger.Warn
	}
	log("action anomaly",
		"room_id", a.RoomID,
		"player_id", a.PlayerID,
		"kind", a.Kind,
		"fingerprint", fp,
		"count", out.Count)

	return out
}

// Get 依指紋查詢
func (m *Monitor) Get(fingerprint string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[fingerprint]
	if !ok {
		return Report{}, false
	}
	return *r, true
}

// List 列出符合條件的報告（最近發生的在前）
func (m *Monitor) List(f Filter) []Report {
	m.mu.RLock()
	out := make([]Report, 0, len(m.reports))
	for _, r := range m.reports {
		if f.RoomID != "" && r.RoomID != f.RoomID {
			continue
		}
		if f.PlayerID != "" && r.PlayerID != f.PlayerID {
			continue
		}
		if r.Severity.rank() < f.MinSeverity.rank() {
			continue
		}
		out = append(out, *r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Stats 統計資訊
func (m *Monitor) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKind := make(map[Kind]int)
	total := 0
	for _, r := range m.reports {
		byKind[r.Kind] += r.Count
		total += r.Count
	}
	return map[string]any{
		"fingerprints": len(m.reports),
		"occurrences":  total,
		"by_kind":      byKind,
	}
}

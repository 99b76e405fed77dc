package ws

import (
	"sync"
	"time"

	"github.com/koopa0/turnroom/internal/metrics"
)

// delayedFrame 尚未到期的觀戰幀
type delayedFrame struct {
	data      []byte
	notBefore time.Time
}

// delayBuffer 每個房間一條 FIFO 的觀戰延遲緩衝
//
// 到期的幀才交給出站佇列，未延遲的幀不會排在它們後面。
// 同一房間內保持先進先出，不同房間互不阻塞。
type delayBuffer struct {
	mu     sync.Mutex
	queues map[string][]delayedFrame
	size   int
	wake   chan struct{}
}

func newDelayBuffer() *delayBuffer {
	return &delayBuffer{
		queues: make(map[string][]delayedFrame),
		wake:   make(chan struct{}, 1),
	}
}

// push 回傳 false 代表緩衝已滿
func (b *delayBuffer) push(roomID string, f delayedFrame, limit int) bool {
	b.mu.Lock()
	if b.size >= limit {
		b.mu.Unlock()
		return false
	}
	b.queues[roomID] = append(b.queues[roomID], f)
	b.size++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// due 取出所有已到期的幀，並回傳下一個到期時間（沒有則為零值）
func (b *delayBuffer) due(now time.Time) ([][]byte, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		out  [][]byte
		next time.Time
	)
	for roomID, q := range b.queues {
		i := 0
		for i < len(q) && !q[i].notBefore.After(now) {
			out = append(out, q[i].data)
			i++
		}
		if i == len(q) {
			delete(b.queues, roomID)
			continue
		}
		b.queues[roomID] = q[i:]
		if head := q[i].notBefore; next.IsZero() || head.Before(next) {
			next = head
		}
	}
	b.size -= len(out)
	return out, next
}

// sendAfter 將觀戰幀延遲到 at 之後才排入出站佇列
//
// at 已過或為零值時等同 send。
func (c *Conn) sendAfter(roomID string, frame []byte, at time.Time) bool {
	if at.IsZero() || !at.After(time.Now()) {
		return c.send(frame)
	}
	select {
	case <-c.closing:
		return false
	default:
	}
	if !c.delayed.push(roomID, delayedFrame{data: frame, notBefore: at}, c.opts.OutboundQueue) {
		metrics.SlowConsumers.Inc()
		c.logger.Warn("spectator delay buffer full, closing slow consumer", "room_id", roomID)
		c.Close(ClosePolicyViolation, "slow consumer")
		return false
	}
	return true
}

// delayLoop 唯一從延遲緩衝搬移到出站佇列的 goroutine
func (c *Conn) delayLoop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		frames, next := c.delayed.due(time.Now())
		for _, f := range frames {
			if !c.send(f) {
				return
			}
		}

		var fire <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			fire = timer.C
		}
		select {
		case <-fire:
		case <-c.delayed.wake:
			timer.Stop()
		case <-c.closing:
			return
		}
	}
}

package ws

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/koopa0/turnroom/internal/metrics"
	"golang.org/x/time/rate"
)

// ConnOptions 連線參數
type ConnOptions struct {
	MaxMessageSize  int64         // 單幀與重組後訊息的上限
	OutboundQueue   int           // 出站佇列長度，滿了視為慢消費者
	WriteTimeout    time.Duration // 單次寫入期限
	PingInterval    time.Duration // 0 代表不主動 ping
	ReadIdleTimeout time.Duration // 這段時間內沒收到任何位元組就斷線
	MessageRate     rate.Limit    // 每秒訊息數，0 代表不限
	MessageBurst    int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = 60 * time.Second
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 20
	}
	return o
}

// Conn 一條已完成握手的連線
//
// 讀取由 readLoop 所在的 goroutine 獨佔（接收緩衝與分段緩衝）；
// 寫入只由 writeLoop 執行，其他 goroutine 透過 send 排入佇列；
// 觀戰延遲幀先進 delayed，到期後由 delayLoop 排入。
type Conn struct {
	id       string
	playerID string

	netConn net.Conn
	reader  *bufio.Reader
	opts    ConnOptions
	limiter *rate.Limiter
	logger  *slog.Logger

	out     chan []byte
	delayed *delayBuffer
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   uint16
	closeReason string

	// 只在讀取 goroutine 使用
	buf        []byte
	fragOp     Opcode
	fragments  []byte
	assembling bool
}

func newConn(id, playerID string, nc net.Conn, br *bufio.Reader, opts ConnOptions, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	if br == nil {
		br = bufio.NewReader(nc)
	}
	c := &Conn{
		id:       id,
		playerID: playerID,
		netConn:  nc,
		reader:   br,
		opts:     opts,
		logger:   logger.With("conn_id", id, "player_id", playerID),
		out:      make(chan []byte, opts.OutboundQueue),
		delayed:  newDelayBuffer(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		buf:      make([]byte, 0, 4096),
	}
	if opts.MessageRate > 0 {
		c.limiter = rate.NewLimiter(opts.MessageRate, opts.MessageBurst)
	}
	return c
}

// ID 連線 ID
func (c *Conn) ID() string { return c.id }

// PlayerID 握手時確定的玩家 ID，之後不變
func (c *Conn) PlayerID() string { return c.playerID }

// Done 寫入 goroutine 結束、socket 已關閉時關閉
func (c *Conn) Done() <-chan struct{} { return c.done }

// allow 入站訊息限流
func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// send 非阻塞排入出站佇列
//
// 佇列滿時關閉這條連線，不影響同房間的其他連線。
func (c *Conn) send(frame []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		metrics.SlowConsumers.Inc()
		c.logger.Warn("outbound queue full, closing slow consumer")
		c.Close(ClosePolicyViolation, "slow consumer")
		return false
	}
}

// Close 要求關閉；close 幀由寫入 goroutine 送出
func (c *Conn) Close(code uint16, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *Conn) write(data []byte) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.netConn.Write(data)
	return err
}

// writeLoop 唯一的寫入者
func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.netConn.Close()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(CloseGoingAway, "")
				return
			}
		case <-ping:
			if err := c.write(EncodeFrame(OpPing, nil)); err != nil {
				c.Close(CloseGoingAway, "")
				return
			}
		case <-c.closing:
			c.writeClose()
			return
		}
	}
}

func (c *Conn) writeClose() {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.netConn.Write(EncodeClose(c.closeCode, c.closeReason))
}

// readLoop 讀取並解析幀，完整的文字訊息交給 handle
//
// 回傳時連線已要求關閉；乾淨關閉（close 幀、EOF）回傳 nil。
func (c *Conn) readLoop(handle func(msg []byte)) error {
	chunk := make([]byte, 4096)
	for {
		if err := c.netConn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout)); err != nil {
			c.Close(CloseInternalError, "")
			return err
		}
		n, err := c.reader.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			if done, perr := c.drain(handle); perr != nil || done {
				return perr
			}
		}
		if err != nil {
			c.Close(CloseGoingAway, "")
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// drain 處理緩衝區內所有完整的幀；done 代表收到 close 幀
func (c *Conn) drain(handle func(msg []byte)) (done bool, err error) {
	consumed := 0
	defer func() {
		rest := copy(c.buf, c.buf[consumed:])
		c.buf = c.buf[:rest]
	}()

	for {
		f, used, err := ParseFrame(c.buf[consumed:], c.opts.MaxMessageSize)
		if errors.Is(err, ErrIncomplete) {
			return false, nil
		}
		if err != nil {
			return true, c.violate(err)
		}
		consumed += used
		metrics.FramesIn.WithLabelValues(f.Opcode.String()).Inc()

		switch f.Opcode {
		case OpPing:
			c.send(EncodeFrame(OpPong, f.Payload))
		case OpPong:
		case OpClose:
			code, _ := ParseClosePayload(f.Payload)
			if code == CloseNoStatus {
				code = CloseNormal
			}
			c.Close(code, "")
			return true, nil
		default:
			msg, complete, err := c.assemble(f)
			if err != nil {
				return true, c.violate(err)
			}
			if complete {
				handle(msg)
			}
		}
	}
}

// assemble 重組分段訊息；只接受文字訊息
func (c *Conn) assemble(f Frame) ([]byte, bool, error) {
	switch {
	case f.Opcode == OpContinuation && !c.assembling:
		return nil, false, protocolErr("unexpected continuation frame")
	case f.Opcode != OpContinuation && c.assembling:
		return nil, false, protocolErr("new data frame inside fragmented message")
	}

	if f.Opcode != OpContinuation {
		c.fragOp = f.Opcode
		c.fragments = c.fragments[:0]
	}
	if int64(len(c.fragments)+len(f.Payload)) > c.opts.MaxMessageSize {
		return nil, false, &ProtocolError{Reason: "message too large", CloseCode: CloseMessageTooBig}
	}
	c.fragments = append(c.fragments, f.Payload...)
	c.assembling = !f.Fin
	if !f.Fin {
		return nil, false, nil
	}

	if c.fragOp != OpText {
		return nil, false, &ProtocolError{Reason: "binary messages not supported", CloseCode: CloseUnsupportedData}
	}
	if !utf8.Valid(c.fragments) {
		return nil, false, &ProtocolError{Reason: "invalid utf-8", CloseCode: CloseInvalidPayload}
	}
	msg := make([]byte, len(c.fragments))
	copy(msg, c.fragments)
	return msg, true, nil
}

func (c *Conn) violate(err error) error {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		pe = &ProtocolError{Reason: err.Error(), CloseCode: CloseProtocolError}
	}
	metrics.ProtocolViolations.WithLabelValues(pe.Reason).Inc()
	c.logger.Warn("protocol violation", "reason", pe.Reason)
	c.Close(pe.CloseCode, pe.Reason)
	return pe
}

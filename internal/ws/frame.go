package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Opcode 幀類型
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl 控制幀（close/ping/pong）
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(%#x)", byte(o))
}

func (o Opcode) known() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Close codes
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupportedData uint16 = 1003
	CloseNoStatus        uint16 = 1005
	CloseInvalidPayload  uint16 = 1007
	ClosePolicyViolation uint16 = 1008
	CloseMessageTooBig   uint16 = 1009
	CloseInternalError   uint16 = 1011
)

const (
	maxControlPayload = 125
	maxFrameHeader    = 14 // 2 + 8 位元組長度 + 4 位元組遮罩
)

// Frame 解析後的單一幀（payload 已解除遮罩）
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// ErrIncomplete 緩衝區內的位元組還不足一個完整的幀
var ErrIncomplete = errors.New("ws: incomplete frame")

// ProtocolError 違反協定，連線必須以 CloseCode 關閉
type ProtocolError struct {
	Reason    string
	CloseCode uint16
}

func (e *ProtocolError) Error() string { return "ws: protocol error: " + e.Reason }

func protocolErr(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason, CloseCode: CloseProtocolError}
}

// ParseFrame 從 buf 開頭解析一個客戶端幀
//
// 回傳消耗的位元組數；資料不足時回傳 ErrIncomplete 且不消耗。
// 標頭本身違規（未遮罩、RSV、控制幀過大或分段）時不等 payload 到齊就回報錯誤。
func ParseFrame(buf []byte, maxPayload int64) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}
	b0, b1 := buf[0], buf[1]

	f := Frame{Fin: b0&0x80 != 0, Opcode: Opcode(b0 & 0x0f)}
	if b0&0x70 != 0 {
		return Frame{}, 0, protocolErr("reserved bits set")
	}
	if !f.Opcode.known() {
		return Frame{}, 0, protocolErr("unknown opcode " + f.Opcode.String())
	}
	if b1&0x80 == 0 {
		return Frame{}, 0, protocolErr("unmasked client frame")
	}

	length := int64(b1 & 0x7f)
	if f.Opcode.IsControl() {
		if !f.Fin {
			return Frame{}, 0, protocolErr("fragmented control frame")
		}
		if length > maxControlPayload {
			return Frame{}, 0, protocolErr("control frame too large")
		}
	}

	offset := 2
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncomplete
		}
		n := binary.BigEndian.Uint64(buf[offset:])
		if n>>63 != 0 {
			return Frame{}, 0, protocolErr("payload length high bit set")
		}
		length = int64(n)
		offset += 8
	}
	// 沒有上限時仍要保證 header + 長度不溢位 int
	if (maxPayload > 0 && length > maxPayload) || length > math.MaxInt-maxFrameHeader {
		return Frame{}, 0, &ProtocolError{Reason: "payload too large", CloseCode: CloseMessageTooBig}
	}

	if int64(len(buf)) < int64(offset)+4+length {
		return Frame{}, 0, ErrIncomplete
	}
	var mask [4]byte
	copy(mask[:], buf[offset:offset+4])
	offset += 4

	end := offset + int(length)
	f.Payload = make([]byte, length)
	for i, b := range buf[offset:end] {
		f.Payload[i] = b ^ mask[i%4]
	}
	return f, end, nil
}

// EncodeFrame 編碼伺服器幀（FIN=1，不遮罩）
func EncodeFrame(op Opcode, payload []byte) []byte {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | byte(op), byte(n)}
	case n < 1<<16:
		header = make([]byte, 4)
		header[0], header[1] = 0x80|byte(op), 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0], header[1] = 0x80|byte(op), 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	return append(out, payload...)
}

// EncodeClose 編碼 close 幀；reason 超過控制幀上限時截斷
func EncodeClose(code uint16, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return EncodeFrame(OpClose, payload)
}

// ParseClosePayload 解析 close 幀內容；空 payload 回傳 CloseNoStatus
func ParseClosePayload(p []byte) (uint16, string) {
	if len(p) < 2 {
		return CloseNoStatus, ""
	}
	return binary.BigEndian.Uint16(p), string(p[2:])
}

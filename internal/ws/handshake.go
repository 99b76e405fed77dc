package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// websocketGUID 握手用的固定 GUID（RFC 6455 §1.3）
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrBadHandshake 升級請求不合法
var ErrBadHandshake = errors.New("ws: bad handshake")

// ComputeAcceptKey base64(SHA-1(key + GUID))
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidateUpgrade 檢查升級請求並回傳 Sec-WebSocket-Key
func ValidateUpgrade(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", fmt.Errorf("%w: method %s", ErrBadHandshake, r.Method)
	}
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return "", fmt.Errorf("%w: missing Connection: upgrade", ErrBadHandshake)
	}
	if !headerHasToken(r.Header, "Upgrade", "websocket") {
		return "", fmt.Errorf("%w: missing Upgrade: websocket", ErrBadHandshake)
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return "", fmt.Errorf("%w: unsupported version %q", ErrBadHandshake, v)
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return "", fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrBadHandshake)
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return "", fmt.Errorf("%w: invalid Sec-WebSocket-Key", ErrBadHandshake)
	}
	return key, nil
}

// headerHasToken 逗號分隔的標頭中是否含有 token（不分大小寫）
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// writeSwitchingProtocols 寫出 101 回應
func writeSwitchingProtocols(w *bufio.Writer, key string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n", ComputeAcceptKey(key))
	if err != nil {
		return err
	}
	return w.Flush()
}

// writeRejection 在原始連線上寫出拒絕回應，呼叫端隨後關閉連線
func writeRejection(w io.Writer, status int, reason string) error {
	body := reason + "\n"
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n"+
		"Connection: close\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}

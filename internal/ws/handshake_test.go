package ws_test

import (
	"net/http/httptest"
	"testing"

	"github.com/koopa0/turnroom/internal/ws"
	"github.com/stretchr/testify/assert"
)

func TestComputeAcceptKey(t *testing.T) {
	// RFC 6455 §1.3 範例
	assert.Equal(t, "s3pPLMBiTxaQ9kYGJzzhZRbK+xOo=", ws.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestValidateUpgrade(t *testing.T) {
	valid := map[string]string{
		"Connection":            "keep-alive, Upgrade",
		"Upgrade":               "WebSocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
	}

	tests := []struct {
		name    string
		method  string
		modify  func(h map[string]string)
		wantErr bool
	}{
		{name: "valid", method: "GET"},
		{name: "post", method: "POST", wantErr: true},
		{name: "no upgrade", method: "GET", modify: func(h map[string]string) { delete(h, "Upgrade") }, wantErr: true},
		{name: "no connection", method: "GET", modify: func(h map[string]string) { h["Connection"] = "keep-alive" }, wantErr: true},
		{name: "old version", method: "GET", modify: func(h map[string]string) { h["Sec-WebSocket-Version"] = "8" }, wantErr: true},
		{name: "missing key", method: "GET", modify: func(h map[string]string) { delete(h, "Sec-WebSocket-Key") }, wantErr: true},
		{name: "short key", method: "GET", modify: func(h map[string]string) { h["Sec-WebSocket-Key"] = "c2hvcnQ=" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := make(map[string]string, len(valid))
			for k, v := range valid {
				headers[k] = v
			}
			if tt.modify != nil {
				tt.modify(headers)
			}
			r := httptest.NewRequest(tt.method, "/ws", nil)
			for k, v := range headers {
				r.Header.Set(k, v)
			}

			key, err := ws.ValidateUpgrade(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ws.ErrBadHandshake)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, valid["Sec-WebSocket-Key"], key)
		})
	}
}

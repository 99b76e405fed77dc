package room

import (
	"crypto/rand"
	"math/big"
)

// inviteAlphabet 去掉容易混淆的 I、O、0、1
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// maxInviteAttempts 碰撞重試上限
const maxInviteAttempts = 100

// InviteCodeFunc 產生長度為 n 的邀請碼
type InviteCodeFunc func(n int) (string, error)

// RandomInviteCode 以 crypto/rand 產生邀請碼
func RandomInviteCode(n int) (string, error) {
	max := big.NewInt(int64(len(inviteAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = inviteAlphabet[idx.Int64()]
	}
	return string(b), nil
}

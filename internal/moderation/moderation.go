// Package moderation 管理封禁名單與玩家之間的封鎖關係。
//
// 封鎖是雙向判斷：A 封鎖 B 或 B 封鎖 A 時，兩人都不能被放進同一個房間。
// Memory 適合單機與測試；RedisStore 讓多個實例共享同一份名單。
package moderation

import (
	"context"
	"sort"
	"sync"
)

// BanRegistry 封禁名單
type BanRegistry interface {
	IsBanned(ctx context.Context, playerID string) (bool, error)
	Ban(ctx context.Context, playerID string) error
	Unban(ctx context.Context, playerID string) error
}

// BlockList 玩家封鎖關係
type BlockList interface {
	// IsBlocked 任一方封鎖另一方即回傳 true
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	Block(ctx context.Context, playerID, otherID string) error
	Unblock(ctx context.Context, playerID, otherID string) error
}

// Store 同時提供兩種名單
type Store interface {
	BanRegistry
	BlockList
}

// Memory 記憶體實作
type Memory struct {
	mu     sync.RWMutex
	bans   map[string]struct{}
	blocks map[string]map[string]struct{}
}

// NewMemory 建立記憶體名單
func NewMemory() *Memory {
	return &Memory{
		bans:   make(map[string]struct{}),
		blocks: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) IsBanned(_ context.Context, playerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bans[playerID]
	return ok, nil
}

func (m *Memory) Ban(_ context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[playerID] = struct{}{}
	return nil
}

func (m *Memory) Unban(_ context.Context, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, playerID)
	return nil
}

// Banned 目前的封禁名單（排序後）
func (m *Memory) Banned() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.bans))
	for id := range m.bans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) IsBlocked(_ context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.blocks[a][b]; ok {
		return true, nil
	}
	_, ok := m.blocks[b][a]
	return ok, nil
}

func (m *Memory) Block(_ context.Context, playerID, otherID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.blocks[playerID]
	if !ok {
		set = make(map[string]struct{})
		m.blocks[playerID] = set
	}
	set[otherID] = struct{}{}
	return nil
}

func (m *Memory) Unblock(_ context.Context, playerID, otherID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.blocks[playerID]; ok {
		delete(set, otherID)
		if len(set) == 0 {
			delete(m.blocks, playerID)
		}
	}
	return nil
}

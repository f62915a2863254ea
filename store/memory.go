package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"StoryBeat-server/models"
)

// MemoryBackend 进程内存储，未配置 MySQL 时使用
type MemoryBackend struct {
	mu          sync.RWMutex
	productions map[string]*models.StoryBeatProduction
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{productions: make(map[string]*models.StoryBeatProduction)}
}

func (b *MemoryBackend) Create(_ context.Context, p *models.StoryBeatProduction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.productions[p.ID]; ok {
		return fmt.Errorf("production %s already exists", p.ID)
	}
	b.productions[p.ID] = p.Clone()
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*models.StoryBeatProduction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.productions[id]
	if !ok {
		return nil, fmt.Errorf("production %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

func (b *MemoryBackend) list(keep func(*models.StoryBeatProduction) bool) []*models.StoryBeatProduction {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*models.StoryBeatProduction
	for _, p := range b.productions {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (b *MemoryBackend) ListForBeat(_ context.Context, beatID string) ([]*models.StoryBeatProduction, error) {
	return b.list(func(p *models.StoryBeatProduction) bool { return p.BeatID == beatID }), nil
}

func (b *MemoryBackend) ListUnfinished(_ context.Context) ([]*models.StoryBeatProduction, error) {
	return b.list(unfinished), nil
}

func (b *MemoryBackend) Update(_ context.Context, id string, fn func(*models.StoryBeatProduction) error) (*models.StoryBeatProduction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.productions[id]
	if !ok {
		return nil, fmt.Errorf("production %s: %w", id, models.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	b.productions[id] = next
	return next.Clone(), nil
}

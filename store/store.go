// Package store 生产记录状态存储：每个 production 的读写串行化，并向订阅者推送快照。
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"StoryBeat-server/models"

	"github.com/patrickmn/go-cache"
)

// Backend 持久化层
type Backend interface {
	Create(ctx context.Context, p *models.StoryBeatProduction) error
	Get(ctx context.Context, id string) (*models.StoryBeatProduction, error)
	ListForBeat(ctx context.Context, beatID string) ([]*models.StoryBeatProduction, error)
	ListUnfinished(ctx context.Context) ([]*models.StoryBeatProduction, error)
	// Update 在同一个原子单元内读出、修改、写回
	Update(ctx context.Context, id string, fn func(*models.StoryBeatProduction) error) (*models.StoryBeatProduction, error)
}

// unfinishedStatuses 可能还有在途分镜的项目状态；in-timeline 下仍允许重生成分镜
var unfinishedStatuses = []models.ProductionStatus{
	models.ProductionPlanning,
	models.ProductionGenerating,
	models.ProductionReady,
	models.ProductionPartialFailed,
	models.ProductionInTimeline,
}

// unfinished 状态允许且仍有未结束的分镜
func unfinished(p *models.StoryBeatProduction) bool {
	return slices.Contains(unfinishedStatuses, p.Status) && !p.Terminal()
}

type subscriber struct {
	id int
	ch chan models.StoryBeatProduction
}

// Store 在 Backend 之上加每条记录的互斥锁、快照缓存和订阅
type Store struct {
	backend Backend
	cache   *cache.Cache

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]subscriber
	nextID int
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		cache:   cache.New(5*time.Minute, 10*time.Minute),
		locks:   make(map[string]*sync.Mutex),
		subs:    make(map[string][]subscriber),
	}
}

func (s *Store) lock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *Store) Create(ctx context.Context, p *models.StoryBeatProduction) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m := s.lock(p.ID)
	m.Lock()
	defer m.Unlock()
	if err := s.backend.Create(ctx, p.Clone()); err != nil {
		return fmt.Errorf("create production %s: %w", p.ID, err)
	}
	s.cache.SetDefault(p.ID, p.Clone())
	s.publish(p)
	return nil
}

// Get 返回快照副本，调用方可随意修改。
// 缓存未命中时在该记录的锁内回填，避免旧快照覆盖 Update 刚写入的新快照。
func (s *Store) Get(ctx context.Context, id string) (*models.StoryBeatProduction, error) {
	if v, ok := s.cache.Get(id); ok {
		return v.(*models.StoryBeatProduction).Clone(), nil
	}
	m := s.lock(id)
	m.Lock()
	defer m.Unlock()
	if v, ok := s.cache.Get(id); ok {
		return v.(*models.StoryBeatProduction).Clone(), nil
	}
	p, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, p.Clone())
	return p, nil
}

func (s *Store) ListForBeat(ctx context.Context, beatID string) ([]*models.StoryBeatProduction, error) {
	return s.backend.ListForBeat(ctx, beatID)
}

// ListUnfinished 返回仍有未结束分镜的生产，用于进程重启后恢复
func (s *Store) ListUnfinished(ctx context.Context) ([]*models.StoryBeatProduction, error) {
	return s.backend.ListUnfinished(ctx)
}

// Update 串行执行 fn 并持久化；fn 返回错误时不写入
func (s *Store) Update(ctx context.Context, id string, fn func(*models.StoryBeatProduction) error) (*models.StoryBeatProduction, error) {
	m := s.lock(id)
	m.Lock()
	defer m.Unlock()

	s.cache.Delete(id)
	updated, err := s.backend.Update(ctx, id, func(p *models.StoryBeatProduction) error {
		if err := fn(p); err != nil {
			return err
		}
		p.Version++
		p.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, updated.Clone())
	s.publish(updated)
	return updated.Clone(), nil
}

// Subscribe 订阅某个 production 的快照。慢订阅者会丢掉中间快照，但总能拿到最新一份。
func (s *Store) Subscribe(id string) (<-chan models.StoryBeatProduction, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	sub := subscriber{id: s.nextID, ch: make(chan models.StoryBeatProduction, 1)}
	s.subs[id] = append(s.subs[id], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			list := s.subs[id]
			for i, other := range list {
				if other.id == sub.id {
					s.subs[id] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Watch 先订阅再读快照，快照之后的每次变更都会出现在通道里
func (s *Store) Watch(ctx context.Context, id string) (*models.StoryBeatProduction, <-chan models.StoryBeatProduction, func(), error) {
	updates, cancel := s.Subscribe(id)
	p, err := s.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return p, updates, cancel, nil
}

func (s *Store) publish(p *models.StoryBeatProduction) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs[p.ID] {
		snap := *p.Clone()
		select {
		case <-sub.ch:
			slog.Debug("Dropped stale snapshot for slow subscriber", "production", p.ID)
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

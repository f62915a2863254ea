package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"StoryBeat-server/models"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits 单个供应商的并发与请求速率
type Limits struct {
	MaxInFlight   int     // 覆盖 Adapter.MaxInFlight，0 表示沿用
	RatePerSecond float64 // 0 表示不限速
	Burst         int
}

type entry struct {
	adapter Adapter
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Registry 供应商名称 -> 适配器 + 并发/限速
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register 注册适配器，同名覆盖
func (r *Registry) Register(a Adapter, limits Limits) {
	e := &entry{adapter: a}
	n := a.MaxInFlight()
	if limits.MaxInFlight > 0 {
		n = limits.MaxInFlight
	}
	if n > 0 {
		e.sem = semaphore.NewWeighted(int64(n))
	}
	if limits.RatePerSecond > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(limits.RatePerSecond), burst)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.Name()] = e
}

func (r *Registry) get(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &models.ProviderPermanentError{Provider: name, Kind: models.ErrorKindInvalidRequest,
			Err: fmt.Errorf("provider %q is not registered", name)}
	}
	return e, nil
}

// Get 按名称取适配器
func (r *Registry) Get(name string) (Adapter, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return e.adapter, nil
}

// Names 已注册的供应商
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Acquire 占用一个在途名额，返回的 release 必须调用
func (r *Registry) Acquire(ctx context.Context, name string) (func(), error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if e.sem == nil {
		return func() {}, nil
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { e.sem.Release(1) }) }, nil
}

// Wait 按供应商限速等待一次请求配额
func (r *Registry) Wait(ctx context.Context, name string) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

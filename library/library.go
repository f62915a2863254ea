package library

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"StoryBeat-server/models"

	"gorm.io/gorm"
)

// Library 角色参考图库。参考图只追加，从不修改或删除，以保证历史生成可复现。
type Library struct {
	mu       sync.RWMutex
	profiles map[string]*models.CharacterProfile
	db       *gorm.DB
}

// New 创建参考图库；db 为 nil 时仅保存在内存
func New(db *gorm.DB) *Library {
	return &Library{
		profiles: make(map[string]*models.CharacterProfile),
		db:       db,
	}
}

// Load 从数据库加载全部角色档案
func (l *Library) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	var rows []models.CharacterProfile
	if err := l.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("load character profiles: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range rows {
		l.profiles[rows[i].ID] = &rows[i]
	}
	slog.Info("Character library loaded", "profiles", len(rows))
	return nil
}

// Register 新增角色档案，已存在则报错
func (l *Library) Register(ctx context.Context, profile *models.CharacterProfile) error {
	if profile == nil {
		return fmt.Errorf("nil profile")
	}
	if profile.BaseReference.Type != models.ReferenceTypeBase {
		return &models.InvalidReferenceError{CharacterID: profile.ID, Reason: "profile must have a base reference"}
	}
	for _, ref := range profile.AllReferences() {
		if err := ref.Validate(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.profiles[profile.ID]; ok {
		return fmt.Errorf("character %s already registered", profile.ID)
	}
	stored := profile.Clone()
	if l.db != nil {
		if err := l.db.WithContext(ctx).Create(stored).Error; err != nil {
			return fmt.Errorf("persist character %s: %w", profile.ID, err)
		}
	}
	l.profiles[profile.ID] = stored
	return nil
}

// Profile 返回档案副本
func (l *Library) Profile(id string) (*models.CharacterProfile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

// Profiles 按 ID 排序返回全部档案
func (l *Library) Profiles() []*models.CharacterProfile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.CharacterProfile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve 在库内档案上执行 ResolveReference；未知角色返回 MatchNone
func (l *Library) Resolve(characterID string, view models.View) Resolution {
	l.mu.RLock()
	p := l.profiles[characterID]
	l.mu.RUnlock()
	return ResolveReference(p, view)
}

// AddReference 追加参考图。新的 base 取代当前 base，旧 base 进入 SupersededBases。
func (l *Library) AddReference(ctx context.Context, characterID string, ref models.CharacterReference) (*models.CharacterProfile, error) {
	ref.CharacterID = characterID
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now()
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.profiles[characterID]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", characterID, models.ErrNotFound)
	}

	existing := current.AllReferences()
	for _, r := range existing {
		if r.ID == ref.ID {
			return nil, &models.InvalidReferenceError{CharacterID: characterID, ReferenceID: ref.ID, Reason: "reference id already exists; references are immutable"}
		}
	}
	if ref.Generation.Kind == models.GenerationImageToImage {
		src := ref.Generation.Derived.SourceReferenceID
		found := false
		for _, r := range existing {
			if r.ID == src {
				found = true
				break
			}
		}
		if !found {
			return nil, &models.InvalidReferenceError{CharacterID: characterID, ReferenceID: ref.ID, Reason: fmt.Sprintf("source reference %s not found", src)}
		}
	}

	next := current.Clone()
	switch ref.Type {
	case models.ReferenceTypeBase:
		next.SupersededBases = append(next.SupersededBases, next.BaseReference)
		next.BaseReference = ref
	case models.ReferenceTypeAngle:
		next.Angles = append(next.Angles, ref)
	case models.ReferenceTypeExpression:
		next.Expressions = append(next.Expressions, ref)
	case models.ReferenceTypeAction:
		next.Actions = append(next.Actions, ref)
	case models.ReferenceTypeCustom:
		next.Custom = append(next.Custom, ref)
	}
	next.UpdatedAt = time.Now()

	if l.db != nil {
		if err := l.db.WithContext(ctx).Save(next).Error; err != nil {
			return nil, fmt.Errorf("persist reference %s: %w", ref.ID, err)
		}
	}
	l.profiles[characterID] = next
	slog.Debug("Reference added", "character", characterID, "reference", ref.ID, "type", ref.Type, "tag", ref.Tag)
	return next.Clone(), nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"StoryBeat-server/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBackend MySQL 存储，plan 与 clips 以 JSON 列保存在同一行
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

func (b *GormBackend) Create(ctx context.Context, p *models.StoryBeatProduction) error {
	return b.db.WithContext(ctx).Create(p).Error
}

func (b *GormBackend) Get(ctx context.Context, id string) (*models.StoryBeatProduction, error) {
	var p models.StoryBeatProduction
	err := b.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("production %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *GormBackend) ListForBeat(ctx context.Context, beatID string) ([]*models.StoryBeatProduction, error) {
	var out []*models.StoryBeatProduction
	err := b.db.WithContext(ctx).Where("beat_id = ?", beatID).Order("created_at desc").Find(&out).Error
	return out, err
}

func (b *GormBackend) ListUnfinished(ctx context.Context) ([]*models.StoryBeatProduction, error) {
	var out []*models.StoryBeatProduction
	err := b.db.WithContext(ctx).
		Where("status IN ?", unfinishedStatuses).
		Order("created_at").Find(&out).Error
	if err != nil {
		return nil, err
	}
	// 只留真正有未完成分镜的
	kept := out[:0]
	for _, p := range out {
		if unfinished(p) {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func (b *GormBackend) Update(ctx context.Context, id string, fn func(*models.StoryBeatProduction) error) (*models.StoryBeatProduction, error) {
	var p models.StoryBeatProduction
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("production %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

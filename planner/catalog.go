package planner

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"StoryBeat-server/models"

	"gopkg.in/yaml.v2"
)

// Catalog 构图模板目录
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]models.CompositionTemplate
}

type catalogFile struct {
	Templates []models.CompositionTemplate `yaml:"templates"`
}

// NewCatalog 以给定模板建立目录，任何一个模板不合法都会报错
func NewCatalog(templates []models.CompositionTemplate) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]models.CompositionTemplate, len(templates))}
	for _, t := range templates {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog 读取 YAML 模板文件；文件不存在时使用内置模板
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(DefaultTemplates())
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Template file not found, using built-in templates", "path", path)
		return NewCatalog(DefaultTemplates())
	}
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	c, err := NewCatalog(f.Templates)
	if err != nil {
		return nil, err
	}
	slog.Info("Composition templates loaded", "path", path, "count", len(f.Templates))
	return c, nil
}

// Add 校验后加入目录
func (c *Catalog) Add(t models.CompositionTemplate) error {
	if t.ID == "" {
		return &models.InvalidTemplateError{ClipIndex: -1, Reason: "template id is required"}
	}
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t
	return nil
}

// Get 按 ID 取模板
func (c *Catalog) Get(id string) (models.CompositionTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return models.CompositionTemplate{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

// List 按分类过滤，category 为空时返回全部
func (c *Catalog) List(category string) []models.CompositionTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.CompositionTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func slot(i int) *int { return &i }

// DefaultTemplates 内置模板
func DefaultTemplates() []models.CompositionTemplate {
	return []models.CompositionTemplate{
		{
			ID: "single-hero", Name: "Single hero shot", Category: "character", ClipCount: 1,
			Positions: []models.ClipPosition{
				{Index: 0, Label: "hero moment", Kind: models.ClipKindCharacter,
					Camera:        models.Camera{Shot: "medium", Angle: "low", Movement: "dolly-in"},
					View:          models.View{Type: models.ReferenceTypeAngle, Tag: "front"},
					CharacterSlot: slot(0), RequiresCharacterRef: true},
			},
		},
		{
			ID: "dialogue-two-shot", Name: "Dialogue two-shot", Category: "dialogue", ClipCount: 3,
			Positions: []models.ClipPosition{
				{Index: 0, Label: "establishing shot", Kind: models.ClipKindBRoll,
					Camera: models.Camera{Shot: "wide", Angle: "eye-level", Movement: "static"}},
				{Index: 1, Label: "speaker close-up", Kind: models.ClipKindCharacter,
					Camera:        models.Camera{Shot: "close-up", Angle: "eye-level", Movement: "static"},
					View:          models.View{Type: models.ReferenceTypeAngle, Tag: "three-quarter"},
					CharacterSlot: slot(0), RequiresCharacterRef: true},
				{Index: 2, Label: "listener reaction", Kind: models.ClipKindCharacter,
					Camera:        models.Camera{Shot: "close-up", Angle: "eye-level", Movement: "static"},
					View:          models.View{Type: models.ReferenceTypeExpression, Tag: "reaction"},
					CharacterSlot: slot(1), RequiresCharacterRef: true},
			},
			SuggestedViews: []models.View{
				{Type: models.ReferenceTypeAngle, Tag: "three-quarter"},
				{Type: models.ReferenceTypeExpression, Tag: "reaction"},
			},
		},
		{
			ID: "action-sequence", Name: "Action sequence", Category: "action", ClipCount: 4,
			Positions: []models.ClipPosition{
				{Index: 0, Label: "wind-up", Kind: models.ClipKindCharacter,
					Camera:        models.Camera{Shot: "medium", Angle: "low", Movement: "handheld"},
					View:          models.View{Type: models.ReferenceTypeAction, Tag: "ready"},
					CharacterSlot: slot(0), RequiresCharacterRef: true},
				{Index: 1, Label: "impact", Kind: models.ClipKindVFX,
					Camera: models.Camera{Shot: "close-up", Movement: "whip-pan"}},
				{Index: 2, Label: "opponent reacts", Kind: models.ClipKindCharacter,
					Camera:        models.Camera{Shot: "medium", Angle: "high", Movement: "handheld"},
					View:          models.View{Type: models.ReferenceTypeExpression, Tag: "shock"},
					CharacterSlot: slot(1)},
				{Index: 3, Label: "aftermath", Kind: models.ClipKindBRoll,
					Camera: models.Camera{Shot: "wide", Angle: "high", Movement: "crane-up"}},
			},
		},
		{
			ID: "montage", Name: "Atmosphere montage", Category: "montage", ClipCount: 3,
			Positions: []models.ClipPosition{
				{Index: 0, Label: "location detail", Kind: models.ClipKindBRoll, Camera: models.Camera{Shot: "close-up", Movement: "slide"}},
				{Index: 1, Label: "skyline", Kind: models.ClipKindBRoll, Camera: models.Camera{Shot: "wide", Movement: "timelapse"}},
				{Index: 2, Label: "light leak transition", Kind: models.ClipKindVFX, Camera: models.Camera{Shot: "wide", Movement: "static"}},
			},
		},
	}
}

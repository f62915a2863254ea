package models

import (
	"database/sql/driver"
	"fmt"
)

// 供应商名称
const (
	ProviderWorker = "worker" // 自建推理 worker（HTTP）
	ProviderVeo    = "veo"    // Google Veo (genai)
)

// ClipKind 模板中一个镜位的类型
type ClipKind string

const (
	ClipKindCharacter ClipKind = "character"
	ClipKindBRoll     ClipKind = "broll"
	ClipKindVFX       ClipKind = "vfx"
)

// StoryBeat 剧本中的一个结构单元
type StoryBeat struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Mood        string `json:"mood,omitempty"`
}

// Camera 镜位的机位信息
type Camera struct {
	Shot     string `json:"shot" yaml:"shot"`         // wide / medium / close-up
	Angle    string `json:"angle" yaml:"angle"`       // eye-level / low / high
	Movement string `json:"movement" yaml:"movement"` // static / pan / dolly
}

// ClipPosition 模板中的一个镜位
type ClipPosition struct {
	Index                int      `json:"index" yaml:"index"`
	Label                string   `json:"label" yaml:"label"`
	Kind                 ClipKind `json:"kind" yaml:"kind"`
	Camera               Camera   `json:"camera" yaml:"camera"`
	View                 View     `json:"view" yaml:"view"`
	CharacterSlot        *int     `json:"characterSlot,omitempty" yaml:"character_slot,omitempty"`
	RequiresCharacterRef bool     `json:"requiresCharacterRef" yaml:"requires_character_ref"`
}

// CompositionTemplate 可复用的镜头布局，ClipCount 固定
type CompositionTemplate struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Category       string         `json:"category" yaml:"category"`
	ClipCount      int            `json:"clipCount" yaml:"clip_count"`
	Positions      []ClipPosition `json:"positions" yaml:"positions"`
	SuggestedViews []View         `json:"suggestedViews,omitempty" yaml:"suggested_views,omitempty"`
}

// Validate ClipCount 必须等于镜位数量，且 index 0..N-1 各出现一次
func (t CompositionTemplate) Validate() error {
	if t.ClipCount <= 0 {
		return &InvalidTemplateError{TemplateID: t.ID, ClipIndex: -1, Reason: "clip count must be positive"}
	}
	if len(t.Positions) != t.ClipCount {
		return &InvalidTemplateError{TemplateID: t.ID, ClipIndex: -1, Reason: fmt.Sprintf("clip count %d does not match %d positions", t.ClipCount, len(t.Positions))}
	}
	seen := make([]bool, t.ClipCount)
	for _, p := range t.Positions {
		if p.Index < 0 || p.Index >= t.ClipCount {
			return &InvalidTemplateError{TemplateID: t.ID, ClipIndex: p.Index, Reason: "position index out of range"}
		}
		if seen[p.Index] {
			return &InvalidTemplateError{TemplateID: t.ID, ClipIndex: p.Index, Reason: "duplicate position index"}
		}
		seen[p.Index] = true
		if p.RequiresCharacterRef && p.CharacterSlot == nil {
			return &InvalidTemplateError{TemplateID: t.ID, ClipIndex: p.Index, Reason: "position requires a character but names no slot"}
		}
	}
	return nil
}

// Position 按 index 查找镜位
func (t CompositionTemplate) Position(index int) (ClipPosition, bool) {
	for _, p := range t.Positions {
		if p.Index == index {
			return p, true
		}
	}
	return ClipPosition{}, false
}

// WorkerOptions 自建 worker 的专有参数
type WorkerOptions struct {
	FPS     int    `json:"fps"`
	Format  string `json:"format"`
	Bitrate int    `json:"bitrate"`
}

// VeoOptions Veo 的专有参数
type VeoOptions struct {
	Model          string `json:"model"`
	AspectRatio    string `json:"aspectRatio"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	GenerateAudio  bool   `json:"generateAudio"`
}

// ProviderOptions 带标签的变体，只能设置与 Provider 对应的一项
type ProviderOptions struct {
	Worker *WorkerOptions `json:"worker,omitempty"`
	Veo    *VeoOptions    `json:"veo,omitempty"`
}

func (o ProviderOptions) validate(provider string) error {
	if o.Worker != nil && o.Veo != nil {
		return fmt.Errorf("provider options must target a single provider")
	}
	if o.Worker != nil && provider != ProviderWorker {
		return fmt.Errorf("worker options given for provider %q", provider)
	}
	if o.Veo != nil && provider != ProviderVeo {
		return fmt.Errorf("veo options given for provider %q", provider)
	}
	return nil
}

// GenerationSettings 一个计划内所有分镜共享的生成参数
type GenerationSettings struct {
	DurationSeconds  int             `json:"durationSeconds"`
	Resolution       string          `json:"resolution"`
	Provider         string          `json:"provider"`
	UseVideoChaining bool            `json:"useVideoChaining"`
	TimeoutSeconds   int             `json:"timeoutSeconds,omitempty"`
	Options          ProviderOptions `json:"options"`
}

func (s GenerationSettings) Validate() error {
	if s.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if s.DurationSeconds <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if s.Resolution == "" {
		return fmt.Errorf("resolution is required")
	}
	return s.Options.validate(s.Provider)
}

// MatchKind 参考图解析的匹配程度
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchBase  MatchKind = "base"
	MatchNone  MatchKind = "none" // 无参考图，仅凭文字属性生成
)

// CharacterAssignment 某个分镜使用的角色与参考图
type CharacterAssignment struct {
	ClipIndex        int       `json:"clipIndex"`
	CharacterID      string    `json:"characterId,omitempty"`
	CharacterName    string    `json:"characterName,omitempty"`
	ReferenceID      string    `json:"referenceId,omitempty"`
	ReferenceURL     string    `json:"referenceUrl,omitempty"`
	View             View      `json:"view"`
	Match            MatchKind `json:"match"`
	Prompt           string    `json:"prompt"`
	EstimatedCredits int64     `json:"estimatedCredits"`
}

// CompositionPlan 模板 + 每个分镜的分配 + 生成参数 + 预估额度
type CompositionPlan struct {
	ID               string                `json:"id"`
	BeatID           string                `json:"beatId"`
	Template         CompositionTemplate   `json:"template"`
	Assignments      []CharacterAssignment `json:"assignments"`
	Settings         GenerationSettings    `json:"settings"`
	EstimatedCredits int64                 `json:"estimatedCredits"`
}

// Validate 分配数量等于 ClipCount，index 0..N-1 各一次，预估等于逐个之和
func (p CompositionPlan) Validate() error {
	if err := p.Template.Validate(); err != nil {
		return err
	}
	if err := p.Settings.Validate(); err != nil {
		return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: -1, Reason: err.Error()}
	}
	if len(p.Assignments) != p.Template.ClipCount {
		return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: -1,
			Reason: fmt.Sprintf("%d assignments for %d clips", len(p.Assignments), p.Template.ClipCount)}
	}
	seen := make([]bool, p.Template.ClipCount)
	var total int64
	for _, a := range p.Assignments {
		if a.ClipIndex < 0 || a.ClipIndex >= p.Template.ClipCount {
			return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: a.ClipIndex, Reason: "assignment index out of range"}
		}
		if seen[a.ClipIndex] {
			return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: a.ClipIndex, Reason: "duplicate assignment"}
		}
		seen[a.ClipIndex] = true
		if a.EstimatedCredits < 0 {
			return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: a.ClipIndex, Reason: "negative clip cost"}
		}
		total += a.EstimatedCredits
	}
	if total != p.EstimatedCredits {
		return &InvalidTemplateError{TemplateID: p.Template.ID, ClipIndex: -1,
			Reason: fmt.Sprintf("estimated credits %d do not match per-clip sum %d", p.EstimatedCredits, total)}
	}
	return nil
}

// Assignment 按 index 查找
func (p CompositionPlan) Assignment(index int) (CharacterAssignment, bool) {
	for _, a := range p.Assignments {
		if a.ClipIndex == index {
			return a, true
		}
	}
	return CharacterAssignment{}, false
}

// ClipCosts 按 clip index 排列的预估额度
func (p CompositionPlan) ClipCosts() []int64 {
	costs := make([]int64, p.Template.ClipCount)
	for _, a := range p.Assignments {
		if a.ClipIndex >= 0 && a.ClipIndex < len(costs) {
			costs[a.ClipIndex] = a.EstimatedCredits
		}
	}
	return costs
}

func (p CompositionPlan) Value() (driver.Value, error) {
	return jsonValue(p)
}

func (p *CompositionPlan) Scan(value interface{}) error {
	return jsonScan(value, p)
}

package planner

import (
	"fmt"
	"sort"

	"StoryBeat-server/library"
	"StoryBeat-server/models"

	"github.com/google/uuid"
)

// ReferenceSource 规划所需的参考图库能力
type ReferenceSource interface {
	Profile(id string) (*models.CharacterProfile, error)
	Resolve(characterID string, view models.View) library.Resolution
}

// Planner 根据 beat + 模板 + 角色池生成构图计划。纯计算，不落库。
type Planner struct {
	refs    ReferenceSource
	pricing Pricing
}

func New(refs ReferenceSource, pricing Pricing) *Planner {
	return &Planner{refs: refs, pricing: pricing}
}

// Pricing 当前价目表
func (p *Planner) Pricing() Pricing {
	return p.pricing
}

// Plan 为模板中的每个镜位分配角色与参考图，并计算预估额度
func (p *Planner) Plan(beat models.StoryBeat, tpl models.CompositionTemplate, characterPool []string, settings models.GenerationSettings) (models.CompositionPlan, error) {
	if err := tpl.Validate(); err != nil {
		return models.CompositionPlan{}, err
	}
	if err := settings.Validate(); err != nil {
		return models.CompositionPlan{}, fmt.Errorf("invalid generation settings: %w", err)
	}
	clipCost, err := p.pricing.ClipCost(settings.Provider, settings.DurationSeconds, settings.Resolution)
	if err != nil {
		return models.CompositionPlan{}, fmt.Errorf("invalid generation settings: %w", err)
	}

	positions := append([]models.ClipPosition(nil), tpl.Positions...)
	sort.Slice(positions, func(i, j int) bool { return positions[i].Index < positions[j].Index })

	plan := models.CompositionPlan{
		ID:          uuid.NewString(),
		BeatID:      beat.ID,
		Template:    tpl,
		Settings:    settings,
		Assignments: make([]models.CharacterAssignment, 0, len(positions)),
	}

	for _, pos := range positions {
		a, err := p.assign(beat, tpl, pos, characterPool)
		if err != nil {
			return models.CompositionPlan{}, err
		}
		a.EstimatedCredits = clipCost
		plan.EstimatedCredits += clipCost
		plan.Assignments = append(plan.Assignments, a)
	}
	return plan, nil
}

func (p *Planner) assign(beat models.StoryBeat, tpl models.CompositionTemplate, pos models.ClipPosition, pool []string) (models.CharacterAssignment, error) {
	a := models.CharacterAssignment{
		ClipIndex: pos.Index,
		View:      pos.View,
		Match:     models.MatchNone,
	}

	characterID := ""
	if pos.Kind != models.ClipKindBRoll && pos.Kind != models.ClipKindVFX && pos.CharacterSlot != nil {
		s := *pos.CharacterSlot
		if s >= 0 && s < len(pool) {
			characterID = pool[s]
		}
	}
	if characterID == "" {
		if pos.RequiresCharacterRef {
			return a, &models.InvalidTemplateError{TemplateID: tpl.ID, ClipIndex: pos.Index,
				Reason: "character pool cannot satisfy a position that requires a character reference"}
		}
		a.Prompt = BuildClipPrompt(beat, pos, nil)
		return a, nil
	}

	profile, err := p.refs.Profile(characterID)
	if err != nil {
		if pos.RequiresCharacterRef {
			return a, &models.InvalidReferenceError{CharacterID: characterID, Reason: "character not found in library"}
		}
		// 未知角色：仅凭文字属性生成
		a.CharacterID = characterID
		a.Prompt = BuildClipPrompt(beat, pos, nil)
		return a, nil
	}

	res := p.refs.Resolve(characterID, pos.View)
	if res.Reference == nil && pos.RequiresCharacterRef {
		return a, &models.InvalidReferenceError{CharacterID: characterID, Reason: "no usable reference"}
	}

	a.CharacterID = characterID
	a.CharacterName = profile.Name
	a.Match = res.Match
	if res.Reference != nil {
		a.ReferenceID = res.Reference.ID
		a.ReferenceURL = res.Reference.ImageURL
	}
	a.Prompt = BuildClipPrompt(beat, pos, profile)
	return a, nil
}

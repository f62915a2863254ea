package planner

import (
	"fmt"
	"math"
)

// Pricing 每个供应商每秒的基础额度与分辨率倍率
type Pricing struct {
	PerSecond            map[string]float64 `yaml:"per_second"`
	ResolutionMultiplier map[string]float64 `yaml:"resolution_multiplier"`
}

// DefaultPricing 内置价目表
func DefaultPricing() Pricing {
	return Pricing{
		PerSecond: map[string]float64{
			"worker": 2,
			"veo":    8,
		},
		ResolutionMultiplier: map[string]float64{
			"480p":  0.75,
			"720p":  1,
			"1080p": 1.5,
			"4k":    3,
		},
	}
}

// Merge 用 o 中出现的条目覆盖默认值
func (p Pricing) Merge(o Pricing) Pricing {
	out := Pricing{
		PerSecond:            make(map[string]float64, len(p.PerSecond)),
		ResolutionMultiplier: make(map[string]float64, len(p.ResolutionMultiplier)),
	}
	for k, v := range p.PerSecond {
		out.PerSecond[k] = v
	}
	for k, v := range o.PerSecond {
		out.PerSecond[k] = v
	}
	for k, v := range p.ResolutionMultiplier {
		out.ResolutionMultiplier[k] = v
	}
	for k, v := range o.ResolutionMultiplier {
		out.ResolutionMultiplier[k] = v
	}
	return out
}

// ClipCost = ceil(perSecond × duration × multiplier)
func (p Pricing) ClipCost(provider string, durationSeconds int, resolution string) (int64, error) {
	rate, ok := p.PerSecond[provider]
	if !ok {
		return 0, fmt.Errorf("no pricing for provider %q", provider)
	}
	mult, ok := p.ResolutionMultiplier[resolution]
	if !ok {
		return 0, fmt.Errorf("no pricing for resolution %q", resolution)
	}
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return int64(math.Ceil(rate * float64(durationSeconds) * mult)), nil
}

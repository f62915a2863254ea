package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"time"
)

// 分镜状态机：queued → dispatched → (succeeded | failed-retryable → queued | failed-permanent)
type ClipState string

const (
	ClipStateQueued          ClipState = "queued"
	ClipStateDispatched      ClipState = "dispatched" // 已提交给外部供应商（generating）
	ClipStateSucceeded       ClipState = "succeeded"
	ClipStateFailedRetryable ClipState = "failed-retryable"
	ClipStateFailedPermanent ClipState = "failed-permanent"
)

var clipTransitions = map[ClipState][]ClipState{
	ClipStateQueued:          {ClipStateDispatched, ClipStateFailedPermanent},
	ClipStateDispatched:      {ClipStateSucceeded, ClipStateFailedRetryable, ClipStateFailedPermanent},
	ClipStateFailedRetryable: {ClipStateQueued, ClipStateFailedPermanent},
	ClipStateFailedPermanent: {ClipStateQueued},
}

// Terminal 成功或永久失败
func (s ClipState) Terminal() bool {
	return s == ClipStateSucceeded || s == ClipStateFailedPermanent
}

// 项目状态：planning → generating → (ready | partial-failed) → in-timeline → completed
type ProductionStatus string

const (
	ProductionPlanning      ProductionStatus = "planning"
	ProductionGenerating    ProductionStatus = "generating"
	ProductionReady         ProductionStatus = "ready"
	ProductionPartialFailed ProductionStatus = "partial-failed"
	ProductionInTimeline    ProductionStatus = "in-timeline"
	ProductionCompleted     ProductionStatus = "completed"
)

// CreditState 单个分镜的额度分配状态
type CreditState string

const (
	CreditOpen     CreditState = "open"
	CreditSettled  CreditState = "settled"
	CreditRefunded CreditState = "refunded"
)

// ClipResult 生成结果
type ClipResult struct {
	VideoURL        string  `json:"videoUrl"`
	ProviderURL     string  `json:"providerUrl,omitempty"`
	FinalFrameURL   string  `json:"finalFrameUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	FileSizeBytes   int64   `json:"fileSizeBytes"`
}

// GenerationError 面向用户的失败原因
type GenerationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// LateResult 取消后才到达的供应商结果
type LateResult struct {
	Succeeded     bool        `json:"succeeded"`
	Result        *ClipResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	ChargedAmount int64       `json:"chargedAmount"`
	ReceivedAt    time.Time   `json:"receivedAt"`
}

// GeneratedClip 计划中一个镜位对应的生成分镜
type GeneratedClip struct {
	ID                string           `json:"id"`
	ProductionID      string           `json:"productionId"`
	ClipIndex         int              `json:"clipIndex"`
	CharacterID       string           `json:"characterId,omitempty"`
	ReferenceID       string           `json:"referenceId,omitempty"`
	State             ClipState        `json:"state"`
	Attempts          int              `json:"attempts"`
	Retries           int              `json:"retries"`
	HistoricRetries   int              `json:"historicRetries,omitempty"` // 之前各代累计的重试
	Generation        int              `json:"generation"`
	ProviderJobID     string           `json:"providerJobId,omitempty"`
	Result            *ClipResult      `json:"result,omitempty"`
	Error             *GenerationError `json:"error,omitempty"`
	EstimatedCredits  int64            `json:"estimatedCredits"`
	CreditsUsed       int64            `json:"creditsUsed"`
	Credit            CreditState      `json:"credit"`
	NeedsRegeneration bool             `json:"needsRegeneration"`
	Rating            int              `json:"rating"`
	RefundedOnCancel  bool             `json:"refundedOnCancel,omitempty"`
	LateResult        *LateResult      `json:"lateResult,omitempty"`
	DispatchedAt      *time.Time       `json:"dispatchedAt,omitempty"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
}

// Transition 按状态机推进，非法迁移返回 ErrInvalidTransition
func (c *GeneratedClip) Transition(to ClipState) error {
	for _, allowed := range clipTransitions[c.State] {
		if allowed == to {
			c.State = to
			return nil
		}
	}
	return fmt.Errorf("clip %d %s -> %s: %w", c.ClipIndex, c.State, to, ErrInvalidTransition)
}

// ClipList 以 JSON 列存储
type ClipList []GeneratedClip

func (l ClipList) Value() (driver.Value, error) {
	return jsonValue(l)
}

func (l *ClipList) Scan(value interface{}) error {
	return jsonScan(value, l)
}

// FailedClip 失败分镜摘要，供选择性重生成
type FailedClip struct {
	ClipIndex int       `json:"clipIndex"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// StoryBeatProduction 聚合根：一个 beat 的一次生产
type StoryBeatProduction struct {
	ID                string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BeatID            string           `gorm:"index;type:varchar(64)" json:"beatId"`
	AccountID         string           `gorm:"type:varchar(64)" json:"accountId"`
	ReservationID     string           `gorm:"type:varchar(64)" json:"reservationId"`
	Plan              CompositionPlan  `gorm:"type:json" json:"plan"`
	Clips             ClipList         `gorm:"type:json" json:"clips"`
	Status            ProductionStatus `gorm:"type:varchar(32)" json:"status"`
	Progress          int              `json:"progress"`
	EstimatedCredits  int64            `json:"estimatedCredits"`
	ActualCreditsUsed int64            `json:"actualCreditsUsed"`
	Cancelled         bool             `json:"cancelled"`
	SupersededBy      string           `gorm:"type:varchar(64)" json:"supersededBy,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

func (StoryBeatProduction) TableName() string {
	return "story_beat_production"
}

// Clip 按 index 取分镜指针
func (p *StoryBeatProduction) Clip(index int) (*GeneratedClip, error) {
	for i := range p.Clips {
		if p.Clips[i].ClipIndex == index {
			return &p.Clips[i], nil
		}
	}
	return nil, fmt.Errorf("clip %d of production %s: %w", index, p.ID, ErrNotFound)
}

// Transition 项目级状态迁移
func (p *StoryBeatProduction) Transition(to ProductionStatus) error {
	ok := false
	switch p.Status {
	case ProductionPlanning:
		ok = to == ProductionGenerating
	case ProductionGenerating:
		ok = to == ProductionReady || to == ProductionPartialFailed
	case ProductionReady:
		ok = to == ProductionInTimeline || to == ProductionPartialFailed
	case ProductionPartialFailed:
		ok = to == ProductionReady || to == ProductionInTimeline
	case ProductionInTimeline:
		ok = to == ProductionCompleted
	}
	if !ok {
		return fmt.Errorf("production %s %s -> %s: %w", p.ID, p.Status, to, ErrInvalidTransition)
	}
	p.Status = to
	return nil
}

// Recompute 每次分镜迁移后重算进度与项目状态
func (p *StoryBeatProduction) Recompute() {
	total := len(p.Clips)
	terminal, failed := 0, 0
	var used int64
	for _, c := range p.Clips {
		if c.State.Terminal() {
			terminal++
		}
		if c.State == ClipStateFailedPermanent {
			failed++
		}
		used += c.CreditsUsed
		if c.LateResult != nil {
			used += c.LateResult.ChargedAmount
		}
	}
	p.ActualCreditsUsed = used
	if total > 0 {
		p.Progress = terminal * 100 / total
	}

	switch p.Status {
	case ProductionPlanning, ProductionInTimeline, ProductionCompleted:
		return
	}
	if terminal < total {
		return
	}
	if failed > 0 {
		p.Status = ProductionPartialFailed
	} else {
		p.Status = ProductionReady
	}
}

// FailedClips 列出永久失败的分镜及原因
func (p *StoryBeatProduction) FailedClips() []FailedClip {
	var out []FailedClip
	for _, c := range p.Clips {
		if c.State != ClipStateFailedPermanent {
			continue
		}
		f := FailedClip{ClipIndex: c.ClipIndex, Kind: ErrorKindUnknown, Reason: "generation failed"}
		if c.Error != nil {
			f.Kind = c.Error.Kind
			f.Reason = c.Error.Message
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClipIndex < out[j].ClipIndex })
	return out
}

// TotalRetries 所有分镜各代重试次数之和
func (p *StoryBeatProduction) TotalRetries() int {
	n := 0
	for _, c := range p.Clips {
		n += c.Retries + c.HistoricRetries
	}
	return n
}

// Clone 深拷贝快照，缓存和订阅者都拿副本
func (p *StoryBeatProduction) Clone() *StoryBeatProduction {
	if p == nil {
		return nil
	}
	c := *p
	c.Plan.Assignments = append([]CharacterAssignment(nil), p.Plan.Assignments...)
	c.Plan.Template.Positions = append([]ClipPosition(nil), p.Plan.Template.Positions...)
	c.Clips = make(ClipList, len(p.Clips))
	for i, clip := range p.Clips {
		if clip.Result != nil {
			r := *clip.Result
			clip.Result = &r
		}
		if clip.Error != nil {
			e := *clip.Error
			clip.Error = &e
		}
		if clip.LateResult != nil {
			lr := *clip.LateResult
			clip.LateResult = &lr
		}
		c.Clips[i] = clip
	}
	return &c
}

// Terminal 是否所有分镜都已结束
func (p *StoryBeatProduction) Terminal() bool {
	for _, c := range p.Clips {
		if !c.State.Terminal() {
			return false
		}
	}
	return true
}

package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ReferenceType 参考图类型
type ReferenceType string

const (
	ReferenceTypeBase       ReferenceType = "base"
	ReferenceTypeAngle      ReferenceType = "angle"
	ReferenceTypeExpression ReferenceType = "expression"
	ReferenceTypeAction     ReferenceType = "action"
	ReferenceTypeCustom     ReferenceType = "custom"
)

func (t ReferenceType) Valid() bool {
	switch t {
	case ReferenceTypeBase, ReferenceTypeAngle, ReferenceTypeExpression, ReferenceTypeAction, ReferenceTypeCustom:
		return true
	}
	return false
}

// GenerationKind 参考图的产生方式
type GenerationKind string

const (
	GenerationUploaded     GenerationKind = "uploaded"
	GenerationTextToImage  GenerationKind = "text_to_image"
	GenerationImageToImage GenerationKind = "image_to_image"
)

// UploadedSource 用户直接上传的图片
type UploadedSource struct {
	OriginalFilename string `json:"original_filename"`
	UploadedBy       string `json:"uploaded_by"`
}

// PromptedSource 文生图
type PromptedSource struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Seed     int64  `json:"seed"`
}

// DerivedSource 以已有参考图为输入的图生图（转身、换表情等）
type DerivedSource struct {
	SourceReferenceID string  `json:"source_reference_id"`
	Provider          string  `json:"provider"`
	Prompt            string  `json:"prompt"`
	Strength          float64 `json:"strength"`
}

// GenerationMethod 带标签的变体：Kind 决定哪一个字段有效
type GenerationMethod struct {
	Kind     GenerationKind  `json:"kind"`
	Upload   *UploadedSource `json:"upload,omitempty"`
	Prompted *PromptedSource `json:"prompted,omitempty"`
	Derived  *DerivedSource  `json:"derived,omitempty"`
}

// Validate 确保只有与 Kind 对应的字段被设置
func (g GenerationMethod) Validate() error {
	set := 0
	for _, p := range []bool{g.Upload != nil, g.Prompted != nil, g.Derived != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("generation method %q must carry exactly one source, got %d", g.Kind, set)
	}
	switch g.Kind {
	case GenerationUploaded:
		if g.Upload == nil {
			return fmt.Errorf("generation method %q requires upload source", g.Kind)
		}
	case GenerationTextToImage:
		if g.Prompted == nil {
			return fmt.Errorf("generation method %q requires prompted source", g.Kind)
		}
		if g.Prompted.Prompt == "" {
			return fmt.Errorf("generation method %q requires a prompt", g.Kind)
		}
	case GenerationImageToImage:
		if g.Derived == nil {
			return fmt.Errorf("generation method %q requires derived source", g.Kind)
		}
		if g.Derived.SourceReferenceID == "" {
			return fmt.Errorf("generation method %q requires source_reference_id", g.Kind)
		}
	default:
		return fmt.Errorf("unknown generation method %q", g.Kind)
	}
	return nil
}

// View 请求的视角/表情，例如 {angle, "three-quarter"}
type View struct {
	Type ReferenceType `json:"type" yaml:"type"`
	Tag  string        `json:"tag" yaml:"tag"`
}

func (v View) String() string {
	if v.Tag == "" {
		return string(v.Type)
	}
	return string(v.Type) + ":" + v.Tag
}

// CharacterReference 一张角色参考图，创建后不可修改
type CharacterReference struct {
	ID          string           `json:"id"`
	CharacterID string           `json:"characterId"`
	ImageURL    string           `json:"imageUrl"`
	Type        ReferenceType    `json:"type"`
	Tag         string           `json:"tag"`
	Generation  GenerationMethod `json:"generation"`
	CreditCost  int64            `json:"creditCost"`
	Tags        []string         `json:"tags,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Validate 检查参考图本身是否可用
func (r CharacterReference) Validate() error {
	if r.ID == "" {
		return &InvalidReferenceError{CharacterID: r.CharacterID, Reason: "missing id"}
	}
	if r.ImageURL == "" {
		return &InvalidReferenceError{CharacterID: r.CharacterID, ReferenceID: r.ID, Reason: "missing image url"}
	}
	if !r.Type.Valid() {
		return &InvalidReferenceError{CharacterID: r.CharacterID, ReferenceID: r.ID, Reason: fmt.Sprintf("unknown reference type %q", r.Type)}
	}
	if err := r.Generation.Validate(); err != nil {
		return &InvalidReferenceError{CharacterID: r.CharacterID, ReferenceID: r.ID, Reason: err.Error()}
	}
	return nil
}

// Matches 判断是否与请求视角完全一致
func (r CharacterReference) Matches(v View) bool {
	return r.Type == v.Type && r.Tag == v.Tag
}

// CharacterProfile 角色档案，必须始终持有 BaseReference
type CharacterProfile struct {
	ID              string               `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string               `json:"name"`
	StyleTag        string               `json:"styleTag"`
	VisualCues      StringList           `gorm:"type:json" json:"visualCues,omitempty"`
	BaseReference   CharacterReference   `gorm:"type:json;serializer:json" json:"baseReference"`
	Angles          []CharacterReference `gorm:"type:json;serializer:json" json:"angles"`
	Expressions     []CharacterReference `gorm:"type:json;serializer:json" json:"expressions"`
	Actions         []CharacterReference `gorm:"type:json;serializer:json" json:"actions"`
	Custom          []CharacterReference `gorm:"type:json;serializer:json" json:"custom"`
	SupersededBases []CharacterReference `gorm:"type:json;serializer:json" json:"supersededBases,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func (CharacterProfile) TableName() string {
	return "character_profile"
}

// NewCharacterProfile 构造角色档案；没有 base 参考图会被拒绝
func NewCharacterProfile(id, name, styleTag string, base CharacterReference) (*CharacterProfile, error) {
	if id == "" {
		return nil, fmt.Errorf("character id is required")
	}
	if base.Type != ReferenceTypeBase {
		return nil, &InvalidReferenceError{CharacterID: id, ReferenceID: base.ID, Reason: "base reference must have type base"}
	}
	base.CharacterID = id
	if err := base.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &CharacterProfile{
		ID:            id,
		Name:          name,
		StyleTag:      styleTag,
		BaseReference: base,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Collection 返回某一类参考图集合（base 返回当前 base）
func (p *CharacterProfile) Collection(t ReferenceType) []CharacterReference {
	switch t {
	case ReferenceTypeBase:
		return []CharacterReference{p.BaseReference}
	case ReferenceTypeAngle:
		return p.Angles
	case ReferenceTypeExpression:
		return p.Expressions
	case ReferenceTypeAction:
		return p.Actions
	case ReferenceTypeCustom:
		return p.Custom
	}
	return nil
}

// AllReferences 当前有效的 + 历史 base 的全部参考图
func (p *CharacterProfile) AllReferences() []CharacterReference {
	all := make([]CharacterReference, 0, 1+len(p.Angles)+len(p.Expressions)+len(p.Actions)+len(p.Custom)+len(p.SupersededBases))
	all = append(all, p.BaseReference)
	all = append(all, p.Angles...)
	all = append(all, p.Expressions...)
	all = append(all, p.Actions...)
	all = append(all, p.Custom...)
	all = append(all, p.SupersededBases...)
	return all
}

// Clone 深拷贝，避免调用方修改内部状态
func (p *CharacterProfile) Clone() *CharacterProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.VisualCues = append(StringList(nil), p.VisualCues...)
	c.Angles = cloneRefs(p.Angles)
	c.Expressions = cloneRefs(p.Expressions)
	c.Actions = cloneRefs(p.Actions)
	c.Custom = cloneRefs(p.Custom)
	c.SupersededBases = cloneRefs(p.SupersededBases)
	return &c
}

func cloneRefs(src []CharacterReference) []CharacterReference {
	if src == nil {
		return nil
	}
	out := make([]CharacterReference, len(src))
	for i, r := range src {
		r.Tags = append([]string(nil), r.Tags...)
		out[i] = r
	}
	return out
}

// StringList 以 JSON 存储的字符串列表
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	return jsonValue(s)
}

func (s *StringList) Scan(value interface{}) error {
	return jsonScan(value, s)
}

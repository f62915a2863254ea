package library

import (
	"StoryBeat-server/models"
)

// Resolution 参考图解析结果；Match 为 MatchNone 时 Reference 为 nil，调用方改用纯文字属性生成
type Resolution struct {
	Reference *models.CharacterReference `json:"reference,omitempty"`
	Match     models.MatchKind           `json:"match"`
}

// ResolveReference 为请求视角挑选最接近的参考图。纯函数，无副作用：
//  1. 同类型同 tag 的参考图，后追加的优先（新图取代旧图）
//  2. 否则回退到 base 参考图
//  3. 档案不存在或没有 base 时返回 MatchNone
func ResolveReference(profile *models.CharacterProfile, view models.View) Resolution {
	if profile == nil || profile.BaseReference.ImageURL == "" {
		return Resolution{Match: models.MatchNone}
	}

	if view.Type != "" && view.Type != models.ReferenceTypeBase {
		refs := profile.Collection(view.Type)
		for i := len(refs) - 1; i >= 0; i-- {
			if refs[i].Matches(view) && refs[i].ImageURL != "" {
				ref := refs[i]
				return Resolution{Reference: &ref, Match: models.MatchExact}
			}
		}
	}

	base := profile.BaseReference
	match := models.MatchBase
	if view.Type == models.ReferenceTypeBase && (view.Tag == "" || view.Tag == base.Tag) {
		match = models.MatchExact
	}
	return Resolution{Reference: &base, Match: match}
}

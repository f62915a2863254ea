package planner

import (
	"fmt"
	"strings"

	"StoryBeat-server/models"
)

// ContinuationHint 链式生成时附加在提示词末尾
const ContinuationHint = "Continue seamlessly from the final frame of the previous clip, matching lighting, framing and motion."

// BuildClipPrompt 组合一个分镜的提示词：beat 描述、镜位/机位、角色外观
func BuildClipPrompt(beat models.StoryBeat, pos models.ClipPosition, profile *models.CharacterProfile) string {
	var parts []string

	if beat.Description != "" {
		parts = append(parts, beat.Description)
	} else if beat.Title != "" {
		parts = append(parts, beat.Title)
	}
	if pos.Label != "" {
		parts = append(parts, pos.Label)
	}

	cam := []string{pos.Camera.Shot, pos.Camera.Angle, pos.Camera.Movement}
	var camParts []string
	for _, c := range cam {
		if s := strings.TrimSpace(c); s != "" {
			camParts = append(camParts, s)
		}
	}
	if len(camParts) > 0 {
		parts = append(parts, "camera: "+strings.Join(camParts, " "))
	}

	switch {
	case profile != nil:
		subject := fmt.Sprintf("subject: %s", profile.Name)
		if len(profile.VisualCues) > 0 {
			subject += " (" + strings.Join(profile.VisualCues, ", ") + ")"
		}
		parts = append(parts, subject)
		if pos.View.Type != "" && pos.View.Type != models.ReferenceTypeBase {
			parts = append(parts, "view: "+pos.View.String())
		}
		if profile.StyleTag != "" {
			parts = append(parts, "style: "+profile.StyleTag)
		}
	case pos.Kind == models.ClipKindVFX:
		parts = append(parts, "visual effects shot, no characters")
	case pos.Kind == models.ClipKindBRoll:
		parts = append(parts, "b-roll, no characters")
	}
	if beat.Mood != "" {
		parts = append(parts, "mood: "+beat.Mood)
	}

	var clean []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			clean = append(clean, s)
		}
	}
	return strings.Join(clean, ", ")
}

// WithContinuation 给链式分镜追加承接提示
func WithContinuation(prompt string) string {
	if prompt == "" {
		return ContinuationHint
	}
	return prompt + ". " + ContinuationHint
}

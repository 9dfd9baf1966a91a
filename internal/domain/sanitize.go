package domain

import "strings"

// Role-hijack markers stripped from free-text content before any upstream
// call. These mimic chat-template delimiters that could reframe the
// conversation.
var hijackMarkers = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|system|>",
	"<|user|>",
	"<|assistant|>",
	"[INST]",
	"[/INST]",
	"<<SYS>>",
	"<</SYS>>",
}

// SanitizeContent strips role-hijack markers and control characters from
// free-text message content. Newlines and tabs survive.
func SanitizeContent(s string) string {
	for _, marker := range hijackMarkers {
		s = strings.ReplaceAll(s, marker, "")
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// NormalizeRole coerces arbitrary role strings into the valid set.
func NormalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem:
		return RoleSystem
	case RoleAssistant:
		return RoleAssistant
	case RoleTool, "function", "tool_result":
		return RoleTool
	default:
		return RoleUser
	}
}

// SanitizeRequest applies role coercion and content sanitization in place.
func SanitizeRequest(req *ChatRequest) {
	for i := range req.Messages {
		req.Messages[i].Role = NormalizeRole(req.Messages[i].Role)
		req.Messages[i].Content = SanitizeContent(req.Messages[i].Content)
	}
	req.SystemPrompt = SanitizeContent(req.SystemPrompt)
}

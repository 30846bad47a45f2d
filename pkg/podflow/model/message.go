package model

// Role identifies the author of a conversation message.
type Role string

// Standard message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RequestSnapshot is the JSON shape persisted on an execution's Request
// field at creation time. History reconstruction reads it back to recover
// the user side of each turn.
type RequestSnapshot struct {
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Messages     []Message `json:"messages"`
	Model        string    `json:"model,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"maxTokens,omitempty"`
}

// ResponseSnapshot is the normalized response shape new executions
// persist: assistant text plus the backend's finish reason. Older rows
// may instead hold a raw provider payload; the resolver's shape matchers
// handle both.
type ResponseSnapshot struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
}

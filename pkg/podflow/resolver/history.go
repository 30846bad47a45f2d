package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/podflow/podflow/pkg/podflow/model"
)

// History reconstructs a pod's rolling conversation from its stored
// snapshots: the limit most recently completed executions, reversed to
// chronological order, each contributing its last user message and the
// assistant's response. Malformed snapshots are skipped per item, never
// fatal.
func (r *Resolver) History(ctx context.Context, podID string, limit int) ([]model.Message, error) {
	recent, err := r.execs.ListRecentCompleted(ctx, podID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}

	// Newest first from the store; walk backwards for chronology.
	var history []model.Message
	for i := len(recent) - 1; i >= 0; i-- {
		exec := recent[i]

		userTurn, ok := lastUserMessage(exec.Request)
		if !ok {
			continue
		}
		assistantText := ExtractOutput(exec.Response)
		if assistantText == "" {
			continue
		}

		history = append(history,
			model.Message{Role: model.RoleUser, Content: userTurn},
			model.Message{Role: model.RoleAssistant, Content: assistantText},
		)
	}
	return history, nil
}

// lastUserMessage recovers the user side of a turn from a request
// snapshot.
func lastUserMessage(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var snap model.RequestSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", false
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == model.RoleUser && snap.Messages[i].Content != "" {
			return snap.Messages[i].Content, true
		}
	}
	return "", false
}

// FormatHistory renders turns as [User]/[Assistant] lines for inclusion
// in an upstream variable or prompt block.
func FormatHistory(history []model.Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		switch m.Role {
		case model.RoleAssistant:
			b.WriteString("[Assistant]: ")
		default:
			b.WriteString("[User]: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

package resolver

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/observability"
)

// variablePattern matches {{podId}} and {{podId.output}} tokens,
// tolerating surrounding whitespace inside the braces.
var variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)(\.output)?\s*\}\}`)

// Interpolate replaces {{podId}} / {{podId.output}} tokens with resolved
// variables. Unresolved tokens are left verbatim and logged, never an
// error.
func Interpolate(s string, vars map[string]string, podID string, logger *slog.Logger) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return variablePattern.ReplaceAllStringFunc(s, func(token string) string {
		key := variablePattern.FindStringSubmatch(token)[1]
		if value, ok := vars[key]; ok {
			return value
		}
		observability.LogUnresolvedVariable(logger, podID, token)
		return token
	})
}

// InterpolateMessages applies Interpolate to every message content in
// place and returns the slice for chaining.
func InterpolateMessages(messages []model.Message, vars map[string]string, podID string, logger *slog.Logger) []model.Message {
	for i := range messages {
		messages[i].Content = Interpolate(messages[i].Content, vars, podID, logger)
	}
	return messages
}

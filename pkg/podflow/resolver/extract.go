package resolver

import (
	"encoding/json"
	"strings"
)

// Response snapshots arrive in whatever shape the originating backend
// produced. Extraction tries an explicit, ordered list of shape matchers
// so that supporting a new backend means appending a matcher, not
// branching on a provider name. The first matcher yielding non-empty
// text wins.
var shapeMatchers = []func(raw []byte) (string, bool){
	matchPlainContent,
	matchCandidateParts,
	matchChoiceMessage,
	matchContentBlocks,
}

// ExtractOutput pulls the assistant text out of a stored response
// snapshot. Returns "" when no shape matches; malformed snapshots are
// never an error.
func ExtractOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	for _, match := range shapeMatchers {
		if text, ok := match(raw); ok {
			return text
		}
	}
	return ""
}

// matchPlainContent handles the normalized shape: a top-level content
// string field.
func matchPlainContent(raw []byte) (string, bool) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Content == "" {
		return "", false
	}
	return body.Content, true
}

// matchCandidateParts handles the candidates/content/parts shape.
func matchCandidateParts(raw []byte) (string, bool) {
	var body struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Candidates) == 0 {
		return "", false
	}
	var parts []string
	for _, p := range body.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// matchChoiceMessage handles the choices/message/content shape.
func matchChoiceMessage(raw []byte) (string, bool) {
	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Choices) == 0 {
		return "", false
	}
	if body.Choices[0].Message.Content == "" {
		return "", false
	}
	return body.Choices[0].Message.Content, true
}

// matchContentBlocks handles an array of typed content blocks under the
// content key.
func matchContentBlocks(raw []byte) (string, bool) {
	var body struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Content) == 0 {
		return "", false
	}
	var parts []string
	for _, block := range body.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

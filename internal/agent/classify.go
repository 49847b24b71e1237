package agent

import (
	"encoding/json"
	"strings"
)

// Classification outcomes.
const (
	ActionAutoReply      = "auto_reply"
	ActionDraftForReview = "draft_for_review"
	ActionEscalate       = "escalate"
	ActionIgnore         = "ignore"
)

// Classification is the triage verdict parsed from the model's reply.
type Classification struct {
	Classification string         `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	DraftReply     string         `json:"draft_reply"`
	EscalationNote string         `json:"escalation_note"`
	Signals        map[string]any `json:"signals"`
}

// parseClassification decodes the model's JSON verdict, stripping
// code-fence framing first. Any parse failure coerces to escalate with
// zero confidence so unparseable replies always reach a human.
func parseClassification(content string) *Classification {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		content = strings.Join(kept, "\n")
	}

	var c Classification
	if err := json.Unmarshal([]byte(content), &c); err != nil || c.Classification == "" {
		return &Classification{
			Classification: ActionEscalate,
			Confidence:     0,
			Reasoning:      "Failed to parse LLM response",
			EscalationNote: "LLM response was not valid JSON. Manual review needed.",
		}
	}
	return &c
}

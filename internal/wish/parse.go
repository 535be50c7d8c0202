package wish

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Actions the structured model output may carry.
const (
	ActionAskFollowup = "ask_followup"
	ActionAwaitChat   = "await_chat"
	ActionGrant       = "grant"
	ActionDeny        = "deny"
)

// Response is the parsed structured model output for one turn.
type Response struct {
	Speech string `json:"speech"`
	Action string `json:"action"`
	Raw    string `json:"-"`
}

// ResponseSchema is the JSON schema enforced on every turn.
var ResponseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"speech": map[string]any{"type": "string"},
		"action": map[string]any{
			"type": "string",
			"enum": []string{ActionAskFollowup, ActionAwaitChat, ActionGrant, ActionDeny},
		},
	},
	"required":             []string{"speech", "action"},
	"additionalProperties": false,
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{[^{}]*\}`)

// ParseResponse extracts {speech, action} from model output. Direct JSON is
// tried first, then a JSON object embedded in prose; as a last resort the
// whole text becomes speech with an await_chat action.
func ParseResponse(text string) Response {
	var parsed Response
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return normalize(parsed, text)
	}

	if match := jsonObjectPattern.FindString(text); match != "" {
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			return normalize(parsed, match)
		}
	}

	slog.Warn("unparseable structured output, treating as speech", "text", truncate(text, 100))
	return Response{Speech: strings.TrimSpace(text), Action: ActionAwaitChat, Raw: text}
}

func normalize(r Response, raw string) Response {
	r.Raw = raw
	if r.Action == "" {
		r.Action = ActionAwaitChat
	}
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package responseparser turns an LLM's raw assistant content into a
// validated, account-filtered action list that never throws and is never
// empty.
package responseparser

import (
	"encoding/json"
	"strings"

	"github.com/metal0/mailpilot-sub001/internal/action"
	"github.com/metal0/mailpilot-sub001/internal/enum"
)

// Usage carries the LLM's reported token counts, when present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Result is the Parsed LLM Result: a non-empty action list plus
// optional confidence/reasoning/usage.
type Result struct {
	Actions    []action.Action `json:"actions"`
	Confidence *float64        `json:"confidence,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Usage      *Usage          `json:"-"`
}

type rawAction struct {
	Type   string   `json:"type"`
	Folder string   `json:"folder,omitempty"`
	Flags  []string `json:"flags,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

type rawResult struct {
	Actions    []rawAction `json:"actions"`
	Confidence *float64    `json:"confidence,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
}

// Parse turns raw assistant content into a validated Result. It never returns an error:
// every failure mode downgrades to a noop result.
func Parse(content string) *Result {
	content = extractFromFence(strings.TrimSpace(content))

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		candidate := largestBraceSubstring(content)
		if candidate == "" || json.Unmarshal([]byte(candidate), &raw) != nil {
			return perActionRecover(content)
		}
	}

	if len(raw.Actions) == 0 {
		return perActionRecover(content)
	}

	actions := make([]action.Action, 0, len(raw.Actions))
	for _, ra := range raw.Actions {
		actions = append(actions, toAction(ra).Validate())
	}

	return finalize(actions, raw.Confidence, raw.Reasoning)
}

func toAction(ra rawAction) action.Action {
	t := enum.ActionType(ra.Type)
	if !t.Valid() {
		return action.Noop("Unknown action type '" + ra.Type + "'")
	}
	return action.Action{Type: t, Folder: ra.Folder, Flags: ra.Flags, Reason: ra.Reason}
}

// perActionRecover is the last-resort pass: when full-document validation
// fails, salvage whatever {"type":...} objects can still be found.
func perActionRecover(content string) *Result {
	objects := braceObjects(content)
	var actions []action.Action
	for _, obj := range objects {
		var ra rawAction
		if err := json.Unmarshal([]byte(obj), &ra); err != nil {
			continue
		}
		if ra.Type == "" {
			continue
		}
		actions = append(actions, toAction(ra).Validate())
	}
	if len(actions) == 0 {
		return &Result{Actions: []action.Action{action.Noop("No actions after validation")}}
	}
	return finalize(actions, nil, "")
}

func finalize(actions []action.Action, confidence *float64, reasoning string) *Result {
	if len(actions) == 0 {
		actions = []action.Action{action.Noop("No actions after validation")}
	}
	return &Result{Actions: actions, Confidence: confidence, Reasoning: reasoning}
}

func extractFromFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// largestBraceSubstring returns the substring spanning the first '{' to the
// last '}', the "extract the largest {...} substring" fallback in step 2.
func largestBraceSubstring(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

// braceObjects extracts every top-level balanced {...} object from s for
// per-action recovery.
func braceObjects(s string) []string {
	var objects []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					objects = append(objects, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return objects
}

// Filter applies the account's allowed-action set. Any
// action whose type is absent from allowed is replaced by an explanatory
// noop; an empty result becomes a single "No allowed actions" noop.
func Filter(actions []action.Action, allowed map[enum.ActionType]bool) []action.Action {
	filtered := make([]action.Action, 0, len(actions))
	for _, a := range actions {
		if allowed[a.Type] {
			filtered = append(filtered, a)
			continue
		}
		filtered = append(filtered, action.Noop("Action '"+a.Type.String()+"' is not allowed for this account"))
	}
	if len(filtered) == 0 {
		return []action.Action{action.Noop("No allowed actions")}
	}
	return filtered
}

// AllowedSet builds the membership set Filter expects from an account's
// allowed-action string list.
func AllowedSet(allowed []string) map[enum.ActionType]bool {
	set := make(map[enum.ActionType]bool, len(allowed))
	for _, a := range allowed {
		set[enum.ActionType(a)] = true
	}
	return set
}

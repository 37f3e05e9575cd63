// Package action defines the Action sum type and the IMAP Action Executor.
package action

import "github.com/metal0/mailpilot-sub001/internal/enum"

// Action is a single executed-or-to-execute IMAP effect. Only the fields
// relevant to Type are meaningful: Folder for move, Flags for flag, Reason
// for noop.
type Action struct {
	Type   enum.ActionType `json:"type"`
	Folder string          `json:"folder,omitempty"`
	Flags  []string        `json:"flags,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Noop builds a noop action carrying reason, the universal downgrade target
// for every validation and filter failure.
func Noop(reason string) Action {
	return Action{Type: enum.ActionNoop, Reason: reason}
}

// Validate enforces the per-type invariants: move requires a folder,
// flag requires a non-empty flag list. A violation downgrades the action to
// noop with an explanatory reason rather than failing.
func (a Action) Validate() Action {
	switch a.Type {
	case enum.ActionMove:
		if a.Folder == "" {
			return Noop("Move action missing folder")
		}
	case enum.ActionFlag:
		if len(a.Flags) == 0 {
			return Noop("Flag action missing flags")
		}
	}
	return a
}

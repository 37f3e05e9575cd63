package action

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metal0/mailpilot-sub001/internal/enum"
)

func TestAction_ValidateMoveRequiresFolder(t *testing.T) {
	a := Action{Type: enum.ActionMove}
	validated := a.Validate()
	assert.Equal(t, enum.ActionNoop, validated.Type)
	assert.Equal(t, "Move action missing folder", validated.Reason)
}

func TestAction_ValidateMoveWithFolderPasses(t *testing.T) {
	a := Action{Type: enum.ActionMove, Folder: "Archive"}
	validated := a.Validate()
	assert.Equal(t, enum.ActionMove, validated.Type)
	assert.Equal(t, "Archive", validated.Folder)
}

func TestAction_ValidateFlagRequiresFlags(t *testing.T) {
	a := Action{Type: enum.ActionFlag}
	validated := a.Validate()
	assert.Equal(t, enum.ActionNoop, validated.Type)
	assert.Equal(t, "Flag action missing flags", validated.Reason)
}

func TestAction_ValidateFlagWithFlagsPasses(t *testing.T) {
	a := Action{Type: enum.ActionFlag, Flags: []string{"\\Flagged"}}
	validated := a.Validate()
	assert.Equal(t, enum.ActionFlag, validated.Type)
}

func TestAction_ValidatePassesThroughOtherTypes(t *testing.T) {
	for _, typ := range []enum.ActionType{enum.ActionMarkRead, enum.ActionMarkSpam, enum.ActionDelete, enum.ActionNoop} {
		a := Action{Type: typ}
		assert.Equal(t, typ, a.Validate().Type)
	}
}

func TestFormatActions(t *testing.T) {
	cases := []struct {
		name string
		in   []Action
		want string
	}{
		{"move", []Action{{Type: enum.ActionMove, Folder: "Archive"}}, "move:Archive"},
		{"flag", []Action{{Type: enum.ActionFlag, Flags: []string{"\\Seen", "\\Flagged"}}}, "flag:\\Seen+\\Flagged"},
		{"read", []Action{{Type: enum.ActionMarkRead}}, "read"},
		{"delete", []Action{{Type: enum.ActionDelete}}, "delete"},
		{"spam", []Action{{Type: enum.ActionMarkSpam}}, "spam"},
		{"noop", []Action{{Type: enum.ActionNoop, Reason: "PGP encrypted email"}}, "noop:PGP encrypted email"},
		{
			"multiple",
			[]Action{{Type: enum.ActionMarkRead}, {Type: enum.ActionFlag, Flags: []string{"$Virus"}}},
			"read,flag:$Virus",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatActions(tc.in))
		})
	}
}

package responseparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/action"
	"github.com/metal0/mailpilot-sub001/internal/enum"
)

func TestParse_WellFormed(t *testing.T) {
	result := Parse(`{"actions":[{"type":"move","folder":"Archive","reason":"newsletter"}],"confidence":0.9,"reasoning":"looks promotional"}`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionMove, result.Actions[0].Type)
	assert.Equal(t, "Archive", result.Actions[0].Folder)
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 0.9, *result.Confidence, 0.0001)
	assert.Equal(t, "looks promotional", result.Reasoning)
}

func TestParse_FencedJSON(t *testing.T) {
	result := Parse("```json\n{\"actions\":[{\"type\":\"read\"}]}\n```")
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionMarkRead, result.Actions[0].Type)
}

func TestParse_RecoversLargestBraceSubstring(t *testing.T) {
	result := Parse("Sure, here you go: {\"actions\":[{\"type\":\"flag\",\"flags\":[\"\\\\Flagged\"]}]} Hope that helps!")
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionFlag, result.Actions[0].Type)
}

func TestParse_PerActionRecoveryOnMalformedDocument(t *testing.T) {
	result := Parse(`not json at all but has {"type":"read"} embedded and trailing garbage`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionMarkRead, result.Actions[0].Type)
}

func TestParse_UnparseableInputIsExactlyOneNoop(t *testing.T) {
	for _, input := range []string{"", "   ", "complete garbage with no braces at all"} {
		result := Parse(input)
		require.Len(t, result.Actions, 1)
		assert.Equal(t, enum.ActionNoop, result.Actions[0].Type)
	}
}

func TestParse_MoveWithoutFolderDowngradesToNoop(t *testing.T) {
	result := Parse(`{"actions":[{"type":"move"}]}`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionNoop, result.Actions[0].Type)
	assert.Contains(t, result.Actions[0].Reason, "missing folder")
}

func TestParse_FlagWithoutFlagsDowngradesToNoop(t *testing.T) {
	result := Parse(`{"actions":[{"type":"flag","flags":[]}]}`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionNoop, result.Actions[0].Type)
	assert.Contains(t, result.Actions[0].Reason, "missing flags")
}

func TestParse_EmptyActionsListBecomesNoop(t *testing.T) {
	result := Parse(`{"actions":[]}`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionNoop, result.Actions[0].Type)
}

func TestParse_UnknownActionTypeDowngradesToNoop(t *testing.T) {
	result := Parse(`{"actions":[{"type":"archive_forever"}]}`)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionNoop, result.Actions[0].Type)
}

func TestFilter_DeleteBlockedByDefault(t *testing.T) {
	allowed := AllowedSet([]string{"move", "spam", "flag", "read", "noop"})
	actions := []action.Action{{Type: enum.ActionDelete, Reason: "spam"}}

	filtered := Filter(actions, allowed)
	require.Len(t, filtered, 1)
	assert.Equal(t, enum.ActionNoop, filtered[0].Type)
	assert.Contains(t, filtered[0].Reason, "not allowed")
}

func TestFilter_EachDisallowedActionBecomesNoop(t *testing.T) {
	allowed := AllowedSet([]string{"read"})
	actions := []action.Action{{Type: enum.ActionDelete}, {Type: enum.ActionMove, Folder: "Spam"}}

	filtered := Filter(actions, allowed)
	require.Len(t, filtered, 2)
	for _, a := range filtered {
		assert.Equal(t, enum.ActionNoop, a.Type)
	}
}

func TestFilter_AllowedActionPassesThrough(t *testing.T) {
	allowed := AllowedSet([]string{"move", "spam", "flag", "read", "noop"})
	actions := []action.Action{{Type: enum.ActionMove, Folder: "Archive"}}

	filtered := Filter(actions, allowed)
	require.Len(t, filtered, 1)
	assert.Equal(t, enum.ActionMove, filtered[0].Type)
	assert.Equal(t, "Archive", filtered[0].Folder)
}

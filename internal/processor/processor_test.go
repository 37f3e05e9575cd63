package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metal0/mailpilot-sub001/internal/action"
	"github.com/metal0/mailpilot-sub001/internal/enum"
)

func TestMatchesAllowList(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		allowList   []string
		want        bool
	}{
		{"empty list allows everything", "application/x-whatever", nil, true},
		{"exact match", "application/pdf", []string{"application/pdf"}, true},
		{"no match", "application/zip", []string{"application/pdf"}, false},
		{"category wildcard", "text/csv", []string{"text/*"}, true},
		{"wildcard wrong category", "image/png", []string{"text/*"}, false},
		{"jpg alias matches jpeg entry", "image/jpg", []string{"image/jpeg"}, true},
		{"jpeg matches jpg entry", "image/jpeg", []string{"image/jpg"}, true},
		{"image wildcard covers jpg alias", "image/jpg", []string{"image/*"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchesAllowList(tc.contentType, tc.allowList))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "abcdef", truncate("abcdef", 0), "zero max means no cap")
}

func TestContainsMoveOrDelete(t *testing.T) {
	assert.False(t, containsMoveOrDelete(nil))
	assert.False(t, containsMoveOrDelete([]action.Action{
		{Type: enum.ActionMarkRead},
		{Type: enum.ActionFlag, Flags: []string{"\\Flagged"}},
	}))
	assert.True(t, containsMoveOrDelete([]action.Action{
		{Type: enum.ActionMarkRead},
		{Type: enum.ActionMove, Folder: "Archive"},
	}))
	assert.True(t, containsMoveOrDelete([]action.Action{{Type: enum.ActionDelete}}))
}

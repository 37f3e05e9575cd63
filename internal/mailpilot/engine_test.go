package mailpilot

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metal0/mailpilot-sub001/internal/config"
	"github.com/metal0/mailpilot-sub001/internal/models"
)

func TestWatchFolders_DefaultsToInbox(t *testing.T) {
	acct := &models.Account{Name: "acct1"}
	assert.Equal(t, []string{"INBOX"}, watchFolders(acct))
}

func TestWatchFolders_UsesConfigured(t *testing.T) {
	acct := &models.Account{Name: "acct1", WatchFolders: []string{"INBOX", "Archive"}}
	assert.Equal(t, []string{"INBOX", "Archive"}, watchFolders(acct))
}

func TestResolvePolicy_BasePromptPrecedence(t *testing.T) {
	e := &Engine{policy: &config.PolicyConfig{BasePrompt: "operator default"}}

	override := "account override"
	acct := &models.Account{Name: "acct1", BasePromptOverride: &override}
	got := e.resolvePolicy(acct)
	assert.Equal(t, "account override", got.BasePrompt)

	acctNoOverride := &models.Account{Name: "acct2"}
	got = e.resolvePolicy(acctNoOverride)
	assert.Equal(t, "operator default", got.BasePrompt)

	e.policy = &config.PolicyConfig{}
	got = e.resolvePolicy(acctNoOverride)
	assert.Equal(t, defaultBasePrompt, got.BasePrompt)
}

func TestResolvePolicy_EmptyOverrideStringFallsThrough(t *testing.T) {
	e := &Engine{policy: &config.PolicyConfig{BasePrompt: "operator default"}}

	empty := ""
	acct := &models.Account{Name: "acct1", BasePromptOverride: &empty}
	got := e.resolvePolicy(acct)
	assert.Equal(t, "operator default", got.BasePrompt)
}

func TestResolvePolicy_DefaultsFolderModeAndAllowedActions(t *testing.T) {
	e := &Engine{policy: &config.PolicyConfig{}}
	acct := &models.Account{Name: "acct1"}

	got := e.resolvePolicy(acct)
	assert.Equal(t, "predefined", got.FolderMode)
	assert.Equal(t, models.DefaultAllowedActions(), got.AllowedActions)
}

func TestResolvePolicy_HonorsAccountOverridesOverDefaults(t *testing.T) {
	e := &Engine{policy: &config.PolicyConfig{}}
	acct := &models.Account{
		Name:           "acct1",
		FolderMode:     "auto_create",
		AllowedActions: []string{"move", "flag"},
	}

	got := e.resolvePolicy(acct)
	assert.Equal(t, "auto_create", got.FolderMode)
	assert.Equal(t, []string{"move", "flag"}, got.AllowedActions)
}

func TestLookupAccount_NotFound(t *testing.T) {
	e := &Engine{accounts: map[string]*models.Account{}}
	_, err := e.lookupAccount("ghost")
	assert.Error(t, err)
}

func TestLockFor_ReturnsSameMutexForSameAccount(t *testing.T) {
	e := &Engine{mailboxLocks: map[string]*sync.Mutex{}}
	a := e.lockFor("acct1")
	b := e.lockFor("acct1")
	assert.Same(t, a, b)
}

package folderwatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metal0/mailpilot-sub001/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func TestKey(t *testing.T) {
	assert.Equal(t, "acct1:INBOX", key("acct1", "INBOX"))
}

func TestStop_UnknownKeyIsNoOp(t *testing.T) {
	m := NewManager(getLogger())
	m.Stop("nobody", "NoFolder")
	m.StopAccount("nobody")
}

func TestStopAccount_OnlyCancelsMatchingPrefix(t *testing.T) {
	m := NewManager(getLogger())
	m.stopFns["acct1:INBOX"] = func() {}
	m.stopFns["acct1:Archive"] = func() {}
	m.stopFns["acct2:INBOX"] = func() {}

	m.StopAccount("acct1")

	assert.NotContains(t, m.stopFns, "acct1:INBOX")
	assert.NotContains(t, m.stopFns, "acct1:Archive")
	assert.Contains(t, m.stopFns, "acct2:INBOX")
}

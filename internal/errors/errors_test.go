package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindTransientNetwork, "imap", fmt.Errorf("connection refused"))
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindTransientNetwork, kind)

	_, ok = KindOf(fmt.Errorf("bare error"))
	assert.False(t, ok)
	_, ok = KindOf(nil)
	assert.False(t, ok)
}

func TestKindOf_FindsClassifiedThroughWrapping(t *testing.T) {
	inner := New(KindRateLimited, "llmclient", fmt.Errorf("429"))
	wrapped := pkgerrors.Wrap(inner, "classify failed")

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindRateLimited, kind)
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransientNetwork, true},
		{KindRateLimited, true},
		{KindCertificateError, false},
		{KindAuthError, false},
		{KindSchemaError, false},
		{KindActionViolation, false},
		{KindPipelineError, false},
		{KindVirusDetected, false},
		{KindShutdownRequested, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "test", fmt.Errorf("boom"))
		assert.Equal(t, tc.want, Retryable(err), "kind=%s", tc.kind)
	}
	assert.False(t, Retryable(fmt.Errorf("unclassified")))
}

func TestIs(t *testing.T) {
	err := Wrap(KindCertificateError, "account", "dial failed", fmt.Errorf("x509: unknown authority"))
	assert.True(t, Is(err, KindCertificateError))
	assert.False(t, Is(err, KindAuthError))
}

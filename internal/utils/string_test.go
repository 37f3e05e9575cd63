package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("abc@example.com"))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("  <abc@example.com>  "))
	assert.Equal(t, "", NormalizeMessageID(""))
}

func TestGetOrDefault(t *testing.T) {
	v := 0.8
	assert.Equal(t, 0.8, GetOrDefault(&v, 0.5))
	assert.Equal(t, 0.5, GetOrDefault[float64](nil, 0.5))
}

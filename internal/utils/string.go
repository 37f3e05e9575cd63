package utils

import (
	"strings"
)

// NormalizeMessageID strips the angle brackets RFC 5322 wraps a Message-ID
// in, so the Persistent State Store's dedup key matches regardless of
// whether a given server quotes it.
func NormalizeMessageID(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	messageID = strings.TrimPrefix(messageID, "<")
	messageID = strings.TrimSuffix(messageID, ">")
	return messageID
}

package utils

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNanoIDWithPrefix builds the primary keys the state store uses
// (acct_, prov_, pmsg_, audit_, dlq_, event_).
func GenerateNanoIDWithPrefix(prefix string, length int) string {
	id, err := gonanoid.Generate(alphabet, length)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

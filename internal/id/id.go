// Package id generates the identifiers used throughout the controller:
// request ids, registration tokens, and client session ids.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid, used for request_id and msg_id.
func Generate() string {
	return mustGenerate(32)
}

// Short returns a 12-character nanoid, used for registration tokens and
// other values a human may need to read back from logs.
func Short() string {
	return mustGenerate(12)
}

func mustGenerate(size int) string {
	v, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		panic(fmt.Sprintf("id: generate nanoid: %v", err))
	}
	return v
}

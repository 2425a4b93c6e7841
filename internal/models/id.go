package models

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lexically time-ordered identifier such as
// "sch_01J9Z...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

// NewAPIKey generates a bearer key for the operator API.
func NewAPIKey() string {
	return fmt.Sprintf("rk_%s", randomString(32))
}

// NewSecret generates a signing secret shared with the WhatsApp gateway.
func NewSecret() string {
	return fmt.Sprintf("wgsec_%s", randomString(40))
}

func randomString(n int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}

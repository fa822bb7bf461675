package server

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// GenID returns a fresh ULID used for session and queue ids.
func GenID() string {
	seed := time.Now().UnixNano()
	entropy := rand.New(rand.NewSource(seed))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

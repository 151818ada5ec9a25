package models

import (
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)
)

func NewID(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

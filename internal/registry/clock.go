package registry

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces refresh ids.
type IDGenerator interface {
	New() string
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// UUIDGenerator produces random UUIDv4 strings.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

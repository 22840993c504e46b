// Package cache is the optional read-through layer in front of query and
// conflict results. A miss is never an error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Cache stores opaque values with a TTL.
type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Clear deletes every key starting with prefix and returns how many
	// were removed.
	Clear(ctx context.Context, prefix string) (int, error)
	Health(ctx context.Context) map[string]any
	Close() error
}

// KeyPrefix starts every key written by this package.
const KeyPrefix = "multical"

// OpPrefix is the prefix shared by every key of one operation, or of all
// operations when op is empty.
func OpPrefix(op string) string {
	if op == "" {
		return KeyPrefix + ":"
	}
	return KeyPrefix + ":" + op + ":"
}

// Key derives a cache key from an operation name, the snapshot generation
// and the operation's normalized arguments:
// multical:<op>:<generation>:<sha256(json(args))>.
func Key(op string, generation uint64, args ...any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = fmt.Appendf(nil, "%v", args)
	}
	sum := sha256.Sum256(data)
	return KeyPrefix + ":" + op + ":" + strconv.FormatUint(generation, 10) + ":" + fmt.Sprintf("%x", sum[:16])
}

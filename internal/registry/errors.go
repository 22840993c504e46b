package registry

import (
	"fmt"

	"multical/internal/model"
)

// DuplicateFeedError is returned by AddFeed when the feed id (derived from
// the URL) or the name is already registered.
type DuplicateFeedError struct {
	Field    string // "id" or "name"
	Value    string
	Existing model.FeedConfig
}

func (e *DuplicateFeedError) Error() string {
	return fmt.Sprintf("feed with %s %q already registered as %q", e.Field, e.Value, e.Existing.Name)
}

// NotFoundError is returned when no feed matches an identifier.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("feed %q not found", e.Identifier)
}

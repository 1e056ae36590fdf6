package vectorstore

import (
	"fmt"
	"regexp"
)

// collectionNamePattern validates collection names: lowercase letters,
// digits, underscores. Qdrant itself caps names at 255 bytes.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,255}$`)

// BuildSizedCollectionName appends the vector size to a base collection
// name. Collections are per vector size, so a model change lands in a new
// collection instead of corrupting an existing one.
func BuildSizedCollectionName(base string, vectorSize int) string {
	return fmt.Sprintf("%s_%d", base, vectorSize)
}

// ValidateCollectionName rejects names with uppercase, path separators, or
// other characters Qdrant treats specially.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidConfig)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,255}$, got %q", ErrInvalidConfig, name)
	}
	return nil
}

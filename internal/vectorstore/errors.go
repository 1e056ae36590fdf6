package vectorstore

import (
	"errors"
	"regexp"
	"strings"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidConfig indicates invalid adapter configuration.
	ErrInvalidConfig = errors.New("invalid vectorstore configuration")

	// ErrConnectionFailed indicates the Qdrant connection could not be
	// established.
	ErrConnectionFailed = errors.New("qdrant connection failed")

	// ErrCollectionNotFound indicates an operation addressed a collection
	// that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrVectorSizeMismatch indicates an existing collection carries a
	// different vector size than the caller requires.
	ErrVectorSizeMismatch = errors.New("vector size mismatch")

	// ErrAlreadyExists indicates a create raced with another writer.
	ErrAlreadyExists = errors.New("already exists")
)

// collectionNotFoundPattern catches Qdrant's message shape for missing
// collections, which arrives as a plain gRPC error string.
var collectionNotFoundPattern = regexp.MustCompile(`(?i)collection.*(not found|doesn't exist)`)

// IsTransient reports whether an error is worth retrying: temporary
// unavailability, deadline pressure, aborted transactions, throttling.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// isNotFound reports whether the error means the collection is missing.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCollectionNotFound) {
		return true
	}
	if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
		return true
	}
	return collectionNotFoundPattern.MatchString(err.Error())
}

// isAlreadyExists reports whether a create failed because a concurrent
// caller won the race.
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

package cache

import (
	"errors"
	"fmt"

	"github.com/muurk/subnet-authority/internal/model"
)

// ErrClosed is returned for commands submitted after the manager stopped.
var ErrClosed = errors.New("cache manager closed")

// PersistError reports a durable write that failed after the in-memory cache
// was already updated.
type PersistError struct {
	Op  string
	Key model.Key
	Err error
}

func (e *PersistError) Error() string {
	if e.Key == (model.Key{}) {
		return fmt.Sprintf("failed to persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to persist %s of %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

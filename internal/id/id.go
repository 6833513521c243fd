// Package id generates the ULIDs BatchQ stamps on send rounds and journals.
//
// ULIDs are time-sortable, so round IDs listed in logs or reports sort in the
// order the rounds started.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is shared across all New calls so that IDs generated within
// the same millisecond remain lexicographically ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	u, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() string {
	s, err := New()
	if err != nil {
		panic(fmt.Sprintf("id.MustNew: %v", err))
	}
	return s
}

// Valid reports whether s is a well-formed ULID string.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the timestamp encoded in a ULID.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ulid.Time(u.Time()), nil
}

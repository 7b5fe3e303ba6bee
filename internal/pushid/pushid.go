// Package pushid generates chronologically sortable record identifiers for
// store collections, in the style of Firebase push keys.
package pushid

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/jxskiss/base62"
)

// timestampWidth fits base62-encoded unix milliseconds for centuries; padding
// keeps lexicographic order aligned with chronological order.
const timestampWidth = 8

// New returns an identifier that sorts after identifiers generated earlier.
// The random suffix keeps concurrent generators from colliding.
func New(t time.Time) string {
	ts := base62.FormatInt(t.UnixMilli())

	var b strings.Builder
	b.Grow(timestampWidth + 11)
	for i := len(ts); i < timestampWidth; i++ {
		b.WriteByte('0')
	}
	b.Write(ts)

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// clock so an ID is still produced.
		copy(suffix[:], base62.FormatInt(t.UnixNano()))
	}
	b.WriteString(base62.EncodeToString(suffix[:]))
	return b.String()
}

package file

import (
	"crypto/md5"
	"fmt"
	"hash"
	"strings"
)

// Checksummer computes a streaming digest over the byte stream of a
// writable handle. It only stays valid while writes arrive strictly in
// order from offset 0; the first out-of-order write disables it for the
// remainder of the handle's current staging cycle.
type Checksummer struct {
	kind    string
	h       hash.Hash
	pos     int64
	enabled bool
}

// NewChecksummer creates a checksummer for the digest kind. MD5 is the
// only kind the tracker's checksumverify currently accepts from us.
func NewChecksummer(kind string) *Checksummer {
	if kind == "" {
		kind = "MD5"
	}
	s := &Checksummer{kind: strings.ToUpper(kind)}
	s.Reset()
	return s
}

// Observe folds a write into the digest when it continues the sequential
// stream; any gap or rewind disables the checksummer.
func (s *Checksummer) Observe(offset int64, p []byte) {
	if !s.enabled {
		return
	}
	if offset != s.pos {
		s.enabled = false
		return
	}
	s.h.Write(p)
	s.pos += int64(len(p))
}

// Finalize returns the "<KIND>:<hex>" digest string when the stream stayed
// sequential. It is one-shot: the checksummer disarms until Reset.
func (s *Checksummer) Finalize() (string, bool) {
	if !s.enabled {
		return "", false
	}
	s.enabled = false
	return fmt.Sprintf("%s:%x", s.kind, s.h.Sum(nil)), true
}

// Disable invalidates the digest for the rest of the staging cycle, for
// operations that rewrite history the stream cannot express (truncate).
func (s *Checksummer) Disable() {
	s.enabled = false
}

// Reset re-arms the checksummer for the next staging cycle.
func (s *Checksummer) Reset() {
	s.h = md5.New()
	s.pos = 0
	s.enabled = true
}

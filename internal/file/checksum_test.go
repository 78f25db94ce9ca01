package file

import (
	"crypto/md5"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumSequentialStream(t *testing.T) {
	s := NewChecksummer("MD5")
	payload := []byte("the quick brown fox")

	s.Observe(0, payload[:8])
	s.Observe(8, payload[8:])

	sum, ok := s.Finalize()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("MD5:%x", md5.Sum(payload)), sum)
}

func TestChecksumGapDisables(t *testing.T) {
	s := NewChecksummer("MD5")
	s.Observe(0, []byte("head"))
	s.Observe(10, []byte("tail"))

	_, ok := s.Finalize()
	assert.False(t, ok)
}

func TestChecksumRewindDisables(t *testing.T) {
	s := NewChecksummer("MD5")
	s.Observe(0, []byte("abcd"))
	s.Observe(0, []byte("abcd"))

	_, ok := s.Finalize()
	assert.False(t, ok)
}

func TestChecksumFinalizeIsOneShot(t *testing.T) {
	s := NewChecksummer("")
	s.Observe(0, []byte("x"))

	_, ok := s.Finalize()
	require.True(t, ok)
	_, ok = s.Finalize()
	assert.False(t, ok)
}

func TestChecksumResetRearms(t *testing.T) {
	s := NewChecksummer("MD5")
	s.Observe(0, []byte("first"))
	_, ok := s.Finalize()
	require.True(t, ok)

	s.Reset()
	s.Observe(0, []byte("second"))
	sum, ok := s.Finalize()
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("MD5:%x", md5.Sum([]byte("second"))), sum)
}

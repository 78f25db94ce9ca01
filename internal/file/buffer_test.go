package file

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures raw writes for buffer assertions.
type recordingWriter struct {
	writes []struct {
		offset int64
		data   []byte
	}
	fail bool
}

func (w *recordingWriter) raw(offset int64, p []byte) error {
	if w.fail {
		return fmt.Errorf("raw write failed")
	}
	w.writes = append(w.writes, struct {
		offset int64
		data   []byte
	}{offset, append([]byte(nil), p...)})
	return nil
}

func TestBufferCoalescesAdjacentWrites(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(DefaultBufferSize)

	for i := 0; i < 4; i++ {
		n, err := b.Write(w.raw, int64(i*4), []byte("abcd"))
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	}
	assert.Empty(t, w.writes, "adjacent small writes stay buffered")

	require.NoError(t, b.Flush(w.raw))
	require.Len(t, w.writes, 1)
	assert.Equal(t, int64(0), w.writes[0].offset)
	assert.Equal(t, []byte("abcdabcdabcdabcd"), w.writes[0].data)
}

func TestBufferFlushesOnNonAdjacentWrite(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(DefaultBufferSize)

	_, err := b.Write(w.raw, 0, []byte("head"))
	require.NoError(t, err)
	_, err = b.Write(w.raw, 100, []byte("tail"))
	require.NoError(t, err)

	require.Len(t, w.writes, 1, "the gap forces a flush of the first run")
	assert.Equal(t, int64(0), w.writes[0].offset)
	assert.Equal(t, []byte("head"), w.writes[0].data)
	assert.Equal(t, int64(104), b.End())
}

func TestBufferNeverExceedsBound(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(1024)

	chunk := bytes.Repeat([]byte("x"), 256)
	for i := 0; i < 8; i++ {
		_, err := b.Write(w.raw, int64(i*256), chunk)
		require.NoError(t, err)
		assert.LessOrEqual(t, b.End()-b.start, int64(1024))
	}
	// Every 4 chunks fill the bound and flush.
	require.Len(t, w.writes, 2)
	assert.Equal(t, int64(0), w.writes[0].offset)
	assert.Len(t, w.writes[0].data, 1024)
	assert.Equal(t, int64(1024), w.writes[1].offset)
}

func TestBufferLargeWriteBypasses(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(1024)

	_, err := b.Write(w.raw, 0, []byte("small"))
	require.NoError(t, err)

	big := bytes.Repeat([]byte("y"), 4096)
	n, err := b.Write(w.raw, 5, big)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	// The pending run flushes first, then the large write goes straight
	// through.
	require.Len(t, w.writes, 2)
	assert.Equal(t, []byte("small"), w.writes[0].data)
	assert.Equal(t, int64(5), w.writes[1].offset)
	assert.Len(t, w.writes[1].data, 4096)
	assert.Equal(t, int64(4101), b.End())
}

func TestBufferClip(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(DefaultBufferSize)

	_, err := b.Write(w.raw, 0, []byte("abcdef"))
	require.NoError(t, err)

	b.Clip(3)
	require.NoError(t, b.Flush(w.raw))
	require.Len(t, w.writes, 1)
	assert.Equal(t, []byte("abc"), w.writes[0].data)
}

func TestBufferClipDropsWholeRun(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(DefaultBufferSize)

	_, err := b.Write(w.raw, 100, []byte("abcdef"))
	require.NoError(t, err)

	b.Clip(50)
	require.NoError(t, b.Flush(w.raw))
	assert.Empty(t, w.writes)
}

func TestBufferWriteErrorSurfacesOnFlush(t *testing.T) {
	w := &recordingWriter{}
	b := NewWriteBuffer(DefaultBufferSize)

	_, err := b.Write(w.raw, 0, []byte("data"))
	require.NoError(t, err)

	w.fail = true
	assert.Error(t, b.Flush(w.raw))
}

package file

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mogfs/mogfs/internal/storage"
	"github.com/mogfs/mogfs/internal/tracker"
	"github.com/mogfs/mogfs/pkg/errs"
)

// cluster is an in-memory tracker plus storage node. It implements both the
// Tracker and Store interfaces the file package consumes.
type cluster struct {
	mu      sync.Mutex
	blobs   map[string][]byte // URL -> content
	keys    map[string]string // key -> URL
	nextFID int64

	opens    int
	commits  []tracker.CommitRequest
	puts     int
	failPuts bool
	failGets bool
}

func newCluster() *cluster {
	return &cluster{
		blobs: make(map[string][]byte),
		keys:  make(map[string]string),
	}
}

// seed installs a committed object under the key.
func (c *cluster) seed(key string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url := fmt.Sprintf("http://dev1:7500/seed%d", len(c.keys))
	c.blobs[url] = append([]byte(nil), content...)
	c.keys[key] = url
}

func (c *cluster) committed(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.keys[key]
	if !ok {
		return nil, false
	}
	return c.blobs[url], true
}

func (c *cluster) GetPaths(key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.keys[key]
	if !ok {
		return nil, &tracker.Error{Code: "unknown_key", Str: key}
	}
	return []string{url}, nil
}

func (c *cluster) CreateOpen(class, key string) (tracker.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.nextFID++
	return tracker.Destination{
		FID:   c.nextFID,
		DevID: 1,
		URL:   fmt.Sprintf("http://dev1:7500/fid/%d", c.nextFID),
	}, nil
}

func (c *cluster) CreateClose(req tracker.CommitRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, req)
	if req.Key == "" {
		delete(c.blobs, req.Path)
		return nil
	}
	c.keys[req.Key] = req.Path
	return nil
}

func (c *cluster) FileInfo(key string, devices bool) (*tracker.FileInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.keys[key]
	if !ok {
		return nil, &tracker.Error{Code: "unknown_key", Str: key}
	}
	return &tracker.FileInfo{Size: int64(len(c.blobs[url]))}, nil
}

func (c *cluster) GetRange(url string, offset, length int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGets {
		return nil, fmt.Errorf("injected read failure")
	}
	blob, ok := c.blobs[url]
	if !ok || offset >= int64(len(blob)) {
		return nil, storage.ErrRangeNotSatisfiable
	}
	end := offset + length
	if end > int64(len(blob)) {
		end = int64(len(blob))
	}
	return append([]byte(nil), blob[offset:end]...), nil
}

func (c *cluster) PutRange(url string, offset int64, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.failPuts {
		return fmt.Errorf("injected write failure")
	}
	blob := c.blobs[url]
	end := offset + int64(len(body))
	if end > int64(len(blob)) {
		grown := make([]byte, end)
		copy(grown, blob)
		blob = grown
	}
	copy(blob[offset:], body)
	c.blobs[url] = blob
	return nil
}

func (c *cluster) Create(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[url] = []byte{}
	return nil
}

func testConfig() Config {
	return Config{Buffered: true, BufferSize: DefaultBufferSize}
}

func TestOpenReadMissingKey(t *testing.T) {
	c := newCluster()
	_, err := Open(c, c, testConfig(), 1, "/missing", Flags{Read: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFoundError))
}

func TestOpenExclExisting(t *testing.T) {
	c := newCluster()
	c.seed("/hello", []byte("x"))
	_, err := Open(c, c, testConfig(), 1, "/hello",
		Flags{Read: true, Write: true, Create: true, Excl: true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ExistsError))
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/hello", Flags{Read: true, Write: true, Create: true})
	require.NoError(t, err)

	payload := []byte("Hello, world!\n")
	n, err := f.Write(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// Reads on the dirty handle observe the staged bytes.
	got, err := f.Read(100, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, f.Release())

	// A fresh read handle sees the committed object.
	r, err := Open(c, c, testConfig(), 2, "/hello", Flags{Read: true})
	require.NoError(t, err)
	got, err = r.Read(100, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSmallFileCommit(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/hello", Flags{Write: true, Create: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("Hello, world!\n"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Release())

	assert.Equal(t, 1, c.opens)
	require.Len(t, c.commits, 1)
	commit := c.commits[0]
	assert.Equal(t, "/hello", commit.Key)
	assert.Equal(t, int64(14), commit.Size)
	assert.False(t, commit.MTime.IsZero())

	content, ok := c.committed("/hello")
	require.True(t, ok)
	assert.Equal(t, []byte("Hello, world!\n"), content)
}

func TestEmptyCommitOnNewHandle(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/empty", Flags{Write: true, Create: true})
	require.NoError(t, err)
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	assert.Equal(t, int64(0), c.commits[0].Size)
	content, ok := c.committed("/empty")
	require.True(t, ok)
	assert.Empty(t, content)
}

func TestOverwriteWithCOW(t *testing.T) {
	c := newCluster()
	old := bytes.Repeat([]byte("a"), 1048576)
	c.seed("/data", old)

	f, err := Open(c, c, testConfig(), 1, "/data", Flags{Read: true, Write: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("XXXX"), 10)
	require.NoError(t, err)
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	assert.Equal(t, int64(1048576), c.commits[0].Size)

	want := append([]byte(nil), old...)
	copy(want[10:], "XXXX")
	content, ok := c.committed("/data")
	require.True(t, ok)
	assert.Equal(t, want, content)
}

func TestReadBeyondEOFReturnsEmpty(t *testing.T) {
	c := newCluster()
	c.seed("/obj", bytes.Repeat([]byte("b"), 100))

	f, err := Open(c, c, testConfig(), 1, "/obj", Flags{Read: true})
	require.NoError(t, err)

	got, err := f.Read(50, 200)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTruncateShrinkNewObject(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/a", Flags{Write: true, Create: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	assert.Equal(t, int64(3), c.commits[0].Size)
	content, _ := c.committed("/a")
	assert.Equal(t, []byte("abc"), content)
}

func TestTruncateGrowBeyondPriorRejected(t *testing.T) {
	c := newCluster()
	c.seed("/a", []byte("abc"))

	f, err := Open(c, c, testConfig(), 1, "/a", Flags{Write: true})
	require.NoError(t, err)

	err = f.Truncate(10)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IOError))
}

func TestTruncateShrinkPriorObject(t *testing.T) {
	c := newCluster()
	c.seed("/a", []byte("abcdef"))

	f, err := Open(c, c, testConfig(), 1, "/a", Flags{Write: true})
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	assert.Equal(t, int64(3), c.commits[0].Size)
	content, _ := c.committed("/a")
	assert.Equal(t, []byte("abc"), content)
}

func TestTruncateAfterPromotionRejected(t *testing.T) {
	c := newCluster()
	c.seed("/a", []byte("abcdef"))

	f, err := Open(c, c, testConfig(), 1, "/a", Flags{Write: true})
	require.NoError(t, err)

	// Writing at offset 4 promotes bytes [0, 6) of the prior object.
	_, err = f.Write([]byte("ZZ"), 4)
	require.NoError(t, err)

	err = f.Truncate(3)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.IOError))
}

func TestCowPreservesBytesBehindWrite(t *testing.T) {
	c := newCluster()
	c.seed("/doc", []byte("0123456789"))

	f, err := Open(c, c, testConfig(), 1, "/doc", Flags{Read: true, Write: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("AB"), 4)
	require.NoError(t, err)

	got, err := f.Read(10, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123AB6789"), got)

	require.NoError(t, f.Release())
	content, _ := c.committed("/doc")
	assert.Equal(t, []byte("0123AB6789"), content)
}

func TestCommitDiscardsOnWriteFailure(t *testing.T) {
	c := newCluster()
	cfg := testConfig()
	cfg.Buffered = false

	f, err := Open(c, c, cfg, 1, "/bad", Flags{Write: true, Create: true})
	require.NoError(t, err)

	c.failPuts = true
	_, err = f.Write([]byte("data"), 0)
	require.Error(t, err)

	err = f.Release()
	require.Error(t, err)

	// The failed destination was committed with an empty key to be
	// discarded, and the key never became visible.
	require.Len(t, c.commits, 1)
	assert.Equal(t, "", c.commits[0].Key)
	_, ok := c.committed("/bad")
	assert.False(t, ok)
}

func TestHandleReuseAfterFlush(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/log", Flags{Read: true, Write: true, Create: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("first"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.Len(t, c.commits, 1)

	// Further writes stage a fresh destination that copy-on-writes from
	// the object just committed.
	_, err = f.Write([]byte("2nd"), 5)
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.Len(t, c.commits, 2)

	content, _ := c.committed("/log")
	assert.Equal(t, []byte("first2nd"), content)
}

func TestSizeTracksDirtyState(t *testing.T) {
	c := newCluster()
	c.seed("/big", bytes.Repeat([]byte("x"), 5000))

	f, err := Open(c, c, testConfig(), 1, "/big", Flags{Read: true, Write: true})
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), size)

	// A small in-place write must not shrink the reported size.
	_, err = f.Write([]byte("yy"), 10)
	require.NoError(t, err)
	size, err = f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), size)

	// Extending past the prior object grows it.
	_, err = f.Write([]byte("zz"), 6000)
	require.NoError(t, err)
	size, err = f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(6002), size)
}

func TestChecksumCommitted(t *testing.T) {
	c := newCluster()
	cfg := testConfig()
	cfg.Checksums = true
	cfg.ChecksumKind = "MD5"

	f, err := Open(c, c, cfg, 1, "/sum", Flags{Write: true, Create: true})
	require.NoError(t, err)

	payload := []byte("checksummed content")
	_, err = f.Write(payload[:10], 0)
	require.NoError(t, err)
	_, err = f.Write(payload[10:], 10)
	require.NoError(t, err)
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	want := fmt.Sprintf("MD5:%x", md5.Sum(payload))
	assert.Equal(t, want, c.commits[0].Checksum)
}

func TestChecksumDisabledOnNonSequentialWrite(t *testing.T) {
	c := newCluster()
	cfg := testConfig()
	cfg.Checksums = true

	f, err := Open(c, c, cfg, 1, "/sum", Flags{Write: true, Create: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("tail"), 100)
	require.NoError(t, err)
	require.NoError(t, f.Release())

	require.Len(t, c.commits, 1)
	assert.Empty(t, c.commits[0].Checksum)
}

func TestFsyncDrainsBufferWithoutCommit(t *testing.T) {
	c := newCluster()
	f, err := Open(c, c, testConfig(), 1, "/buf", Flags{Write: true, Create: true})
	require.NoError(t, err)

	_, err = f.Write([]byte("pending"), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.puts) // coalesced, nothing persisted yet

	require.NoError(t, f.Fsync())
	assert.Greater(t, c.puts, 0)
	assert.Empty(t, c.commits)
}

func TestConcurrentWritesKeepBookkeeping(t *testing.T) {
	c := newCluster()
	cfg := testConfig()
	cfg.Buffered = false

	f, err := Open(c, c, cfg, 1, "/par", Flags{Write: true, Create: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Write(bytes.Repeat([]byte{byte('a' + i)}, 100), int64(i)*100)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.NoError(t, f.Release())
	require.Len(t, c.commits, 1)
	assert.Equal(t, int64(800), c.commits[0].Size)
}

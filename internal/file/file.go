// Package file implements the open-file state machine that bridges a
// stateful POSIX file handle onto stateless HTTP range requests against a
// MogileFS object.
//
// A writable handle stages its writes into a newly allocated remote object
// (the destination) while the previously committed object keeps serving
// reads. Bytes of the old object are propagated to the destination on
// demand by a copy-on-write cursor; the destination replaces the old object
// atomically when the handle commits via create_close. Optional strategies
// composed by value add write coalescing and a streaming checksum.
package file

import (
	"math"
	"sync"
	"time"

	"github.com/mogfs/mogfs/internal/storage"
	"github.com/mogfs/mogfs/internal/tracker"
	"github.com/mogfs/mogfs/pkg/errs"
)

// cowChunk is the unit in which old-object bytes are propagated to the
// destination.
const cowChunk = 1024 * 1024

// Tracker is the subset of the tracker client a file handle consumes.
type Tracker interface {
	GetPaths(key string) ([]string, error)
	CreateOpen(class, key string) (tracker.Destination, error)
	CreateClose(req tracker.CommitRequest) error
	FileInfo(key string, devices bool) (*tracker.FileInfo, error)
}

// Store is the subset of the storage-node user agent a file handle consumes.
type Store interface {
	GetRange(url string, offset, length int64) ([]byte, error)
	PutRange(url string, offset int64, body []byte) error
	Create(url string) error
}

// Flags describes the access mode a handle was opened with.
type Flags struct {
	Read   bool
	Write  bool
	Create bool
	Excl   bool
}

// Config carries the per-mount settings a handle needs.
type Config struct {
	Class        string
	Buffered     bool
	BufferSize   int64
	Checksums    bool
	ChecksumKind string
}

// File is one open file handle. All operations are serialized by the
// per-handle lock; the handle may be driven concurrently by multiple FUSE
// workers.
type File struct {
	id    uint64
	path  string
	flags Flags

	trk Tracker
	sto Store
	cfg Config

	mu sync.Mutex

	// Input side: URLs of the committed object, if one exists.
	paths      []string
	pathsValid bool
	prior      bool

	// Prior object size, resolved lazily for fgetattr.
	priorSize      int64
	priorSizeValid bool

	// Output side.
	dest     *dest
	cowPtr   int64
	cowValid bool
	dirty    bool

	buf *WriteBuffer
	sum *Checksummer
}

// dest is the staged destination object allocated by create_open. Size
// updates and the sticky error flag are guarded by its own lock.
type dest struct {
	mu     sync.Mutex
	fid    int64
	devid  int64
	url    string
	size   int64
	failed bool
}

func (d *dest) grow(end int64) {
	d.mu.Lock()
	if end > d.size {
		d.size = end
	}
	d.mu.Unlock()
}

func (d *dest) clip(size int64) {
	d.mu.Lock()
	if size < d.size {
		d.size = size
	}
	d.mu.Unlock()
}

func (d *dest) fail() {
	d.mu.Lock()
	d.failed = true
	d.mu.Unlock()
}

func (d *dest) state() (size int64, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, d.failed
}

// Open constructs a handle for the path. Read handles resolve the object's
// paths eagerly and fail with ENOENT when the key is absent. Write handles
// record the prior object (arming copy-on-write) or, when none exists, mark
// themselves dirty so an empty object is committed on close. The remote
// destination is allocated lazily on first need.
func Open(trk Tracker, sto Store, cfg Config, id uint64, path string, flags Flags) (*File, error) {
	f := &File{
		id:    id,
		path:  path,
		flags: flags,
		trk:   trk,
		sto:   sto,
		cfg:   cfg,
	}
	if flags.Write && cfg.Buffered {
		f.buf = NewWriteBuffer(cfg.BufferSize)
	}
	if flags.Write && cfg.Checksums {
		f.sum = NewChecksummer(cfg.ChecksumKind)
	}

	paths, err := trk.GetPaths(path)
	switch {
	case err == nil && len(paths) > 0:
		if flags.Write && flags.Create && flags.Excl {
			return nil, errs.New(errs.ExistsError, "%s already exists", path)
		}
		f.paths, f.pathsValid, f.prior = paths, true, true
		if flags.Write {
			f.cowValid = true
		}
	case err == nil || tracker.IsUnknownKey(err):
		if !flags.Write {
			return nil, errs.New(errs.NotFoundError, "no such key %s", path)
		}
		// No prior object: guarantee a commit of an empty object on close.
		f.dirty = true
	default:
		return nil, errs.Wrap(err, errs.IOError)
	}
	return f, nil
}

// ID returns the process-unique handle id.
func (f *File) ID() uint64 { return f.id }

// Path returns the absolute path the handle was opened with.
func (f *File) Path() string { return f.path }

// Writable reports whether the handle was opened for writing.
func (f *File) Writable() bool { return f.flags.Write }

// Dirty reports whether the handle holds uncommitted changes.
func (f *File) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// Read returns up to length bytes at offset. On a dirty writable handle the
// authoritative bytes live in the destination: the copy-on-write cursor is
// advanced past the requested range and the write buffer drained before the
// destination is consulted. Otherwise the committed object serves the read.
func (f *File) Read(length, offset int64) ([]byte, error) {
	if !f.flags.Read {
		return nil, errs.New(errs.BadFileError, "%s not open for reading", f.path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags.Write && f.dirty {
		if err := f.cow(offset+length, -1); err != nil {
			return nil, err
		}
		if f.buf != nil {
			if err := f.buf.Flush(f.rawWrite); err != nil {
				return nil, err
			}
		}
		return f.rawRead(offset, length, true)
	}
	return f.rawRead(offset, length, false)
}

// Write stores the bytes at offset. Copy-on-write first advances past the
// end of the write so old-object bytes behind it are preserved; the bytes
// then flow through the checksummer and the coalescing buffer (or straight
// to the destination when unbuffered).
func (f *File) Write(p []byte, offset int64) (int, error) {
	if !f.flags.Write {
		return 0, errs.New(errs.BadFileError, "%s not open for writing", f.path)
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirty = true
	if err := f.cow(offset+int64(len(p)), -1); err != nil {
		return 0, err
	}
	if f.sum != nil {
		f.sum.Observe(offset, p)
	}
	if f.buf != nil {
		return f.buf.Write(f.rawWrite, offset, p)
	}
	if err := f.rawWrite(offset, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Truncate sets the logical size of the staged object. With a prior object
// the copy-on-write cursor must not have advanced past size, and the prior
// object must reach size (growing past its EOF is rejected). The pending
// buffer and destination are clipped so nothing beyond size survives to
// commit.
func (f *File) Truncate(size int64) error {
	if !f.flags.Write {
		return errs.New(errs.BadFileError, "%s not open for writing", f.path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prior {
		if !f.cowValid {
			return errs.New(errs.IOError, "truncate %s: copy already past EOF", f.path)
		}
		if f.cowPtr > size {
			return errs.New(errs.IOError, "truncate %s: %d bytes already promoted", f.path, f.cowPtr)
		}
		f.dirty = true
		if err := f.cow(size, size); err != nil {
			return err
		}
		if !f.cowValid && f.cowPtr < size {
			return errs.New(errs.IOError, "truncate %s: prior object shorter than %d", f.path, size)
		}
		f.cowValid = false
	} else {
		f.dirty = true
	}

	if f.buf != nil {
		f.buf.Clip(size)
	}
	if f.dest != nil {
		f.dest.clip(size)
	}
	// The digest no longer matches the object that will be committed.
	if f.sum != nil {
		f.sum.Disable()
	}
	return nil
}

// Fsync drains the write buffer to the destination. It does not commit.
func (f *File) Fsync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.buf == nil || !f.flags.Write {
		return nil
	}
	return f.buf.Flush(f.rawWrite)
}

// Flush commits the staged object. It drains the write buffer, finalizes
// the running checksum, propagates any remaining copy-on-write bytes, and
// issues create_close. A destination in sticky error (or a failure while
// draining) commits with an empty key, asking the tracker to discard the
// temporary object, and reports EIO. After a successful commit the handle's
// I/O state is reinitialized so it can be reused; further writes will
// copy-on-write from the newly committed object.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.flags.Write || !f.dirty {
		return nil
	}

	var flushErr error
	if f.buf != nil {
		flushErr = f.buf.Flush(f.rawWrite)
	}

	var checksum string
	if f.sum != nil {
		if sum, ok := f.sum.Finalize(); ok {
			checksum = sum
		}
	}

	if flushErr == nil {
		if err := f.cow(math.MaxInt64, -1); err != nil {
			flushErr = err
			if f.dest != nil {
				f.dest.fail()
			}
		}
	}

	d := f.dest
	if d == nil {
		var err error
		if d, err = f.outputDest(); err != nil {
			return err
		}
	}

	size, failed := d.state()
	key := f.path
	if failed || flushErr != nil {
		key = "" // discard the temporary object
	}

	err := f.trk.CreateClose(tracker.CommitRequest{
		FID:      d.fid,
		DevID:    d.devid,
		Key:      key,
		Path:     d.url,
		Size:     size,
		MTime:    time.Now(),
		Checksum: checksum,
	})
	if key == "" {
		if flushErr != nil {
			return flushErr
		}
		return errs.New(errs.IOError, "commit %s: destination in error state", f.path)
	}
	if err != nil {
		return errs.Wrap(err, errs.IOError)
	}

	// Reinitialize for reuse: the handle now sits over the object it just
	// committed.
	f.dest = nil
	f.dirty = false
	f.prior = true
	f.paths, f.pathsValid = nil, false
	f.priorSize, f.priorSizeValid = size, true
	f.cowPtr, f.cowValid = 0, true
	if f.buf != nil {
		f.buf.Reset()
	}
	if f.sum != nil {
		f.sum.Reset()
	}
	return nil
}

// Release commits outstanding changes and ends the handle's life. The
// caller removes it from the registry.
func (f *File) Release() error {
	return f.Flush()
}

// Size returns the handle's logical size: for a dirty writable handle the
// furthest of the destination, the pending buffer, and the prior object
// still feeding copy-on-write; otherwise the prior object's size.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags.Write && f.dirty {
		var size int64
		if f.dest != nil {
			s, _ := f.dest.state()
			size = s
		}
		if f.buf != nil && f.buf.End() > size {
			size = f.buf.End()
		}
		if f.cowValid {
			if prior, err := f.ensurePriorSize(); err == nil && prior > size {
				size = prior
			}
		}
		return size, nil
	}
	return f.ensurePriorSize()
}

// cow advances the copy-on-write cursor to target, propagating old-object
// bytes to the destination in 1 MiB chunks. A limit >= 0 caps reads so no
// byte at or beyond limit is copied. A zero-byte read means the old object
// is exhausted and no further copy-on-write is needed.
func (f *File) cow(target, limit int64) error {
	for f.cowValid && f.cowPtr < target {
		n := target - f.cowPtr
		if n > cowChunk {
			n = cowChunk
		}
		if limit >= 0 && f.cowPtr+n > limit {
			n = limit - f.cowPtr
		}
		if n <= 0 {
			break
		}
		data, err := f.rawRead(f.cowPtr, n, false)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			f.cowValid = false
			break
		}
		if err := f.rawWrite(f.cowPtr, data); err != nil {
			return err
		}
		f.cowPtr += int64(len(data))
	}
	return nil
}

// rawRead reads a range from the destination or from the committed
// object's replicas in order. Range-not-satisfiable means end of object and
// yields an empty result without trying further replicas.
func (f *File) rawRead(offset, length int64, fromOutput bool) ([]byte, error) {
	var urls []string
	if fromOutput {
		if f.dest == nil {
			return nil, nil
		}
		urls = []string{f.dest.url}
	} else {
		paths, err := f.ensurePaths()
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, nil
		}
		urls = paths
	}

	var lastErr error
	for _, u := range urls {
		data, err := f.sto.GetRange(u, offset, length)
		if err == storage.ErrRangeNotSatisfiable {
			return nil, nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, errs.Wrap(lastErr, errs.IOError)
}

// rawWrite PUTs the bytes to the destination, allocating it if needed. Any
// failure marks the destination with the sticky error flag so the eventual
// commit discards the temporary object.
func (f *File) rawWrite(offset int64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d, err := f.outputDest()
	if err != nil {
		return err
	}
	if err := f.sto.PutRange(d.url, offset, p); err != nil {
		d.fail()
		return errs.Wrap(err, errs.IOError)
	}
	d.grow(offset + int64(len(p)))
	return nil
}

// outputDest lazily allocates the remote destination: create_open followed
// by an empty PUT to materialize the object on the storage node.
func (f *File) outputDest() (*dest, error) {
	if f.dest != nil {
		return f.dest, nil
	}

	alloc, err := f.trk.CreateOpen(f.cfg.Class, f.path)
	if err != nil {
		return nil, errs.Wrap(err, errs.IOError)
	}
	d := &dest{fid: alloc.FID, devid: alloc.DevID, url: alloc.URL}
	if err := f.sto.Create(d.url); err != nil {
		d.failed = true
		f.dest = d
		return nil, errs.Wrap(err, errs.IOError)
	}
	f.dest = d
	return d, nil
}

func (f *File) ensurePaths() ([]string, error) {
	if f.pathsValid {
		return f.paths, nil
	}
	if !f.prior {
		return nil, nil
	}
	paths, err := f.trk.GetPaths(f.path)
	if err != nil {
		if tracker.IsUnknownKey(err) {
			f.paths, f.pathsValid = nil, true
			return nil, nil
		}
		return nil, errs.Wrap(err, errs.IOError)
	}
	f.paths, f.pathsValid = paths, true
	return paths, nil
}

func (f *File) ensurePriorSize() (int64, error) {
	if f.priorSizeValid {
		return f.priorSize, nil
	}
	if !f.prior {
		return 0, nil
	}
	fi, err := f.trk.FileInfo(f.path, false)
	if err != nil {
		if tracker.IsUnknownKey(err) {
			return 0, nil
		}
		return 0, errs.Wrap(err, errs.IOError)
	}
	f.priorSize, f.priorSizeValid = fi.Size, true
	return fi.Size, nil
}

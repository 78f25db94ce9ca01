// Package fuse mounts a MogileFS domain as a POSIX filesystem and
// dispatches kernel callbacks onto the tracker, storage and file-handle
// layers.
package fuse

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/mogfs/mogfs/internal/config"
	"github.com/mogfs/mogfs/internal/dircache"
	"github.com/mogfs/mogfs/internal/file"
	"github.com/mogfs/mogfs/internal/metrics"
	"github.com/mogfs/mogfs/internal/tracker"
)

// Backend is the tracker surface the dispatcher consumes.
type Backend interface {
	file.Tracker
	Delete(key string) error
	Rename(oldKey, newKey string) error
	UpdateClass(key, class string) error
	GetDevices() ([]tracker.Device, error)
	ListDirectory(dir string) ([]tracker.Entry, error)
}

// Mount owns one mounted filesystem: configuration, clients, the directory
// cache and the registry of live file handles. A Mount mounts at most once.
type Mount struct {
	fuse.FileSystemBase

	cfg     *config.Config
	trk     Backend
	sto     file.Store
	dirs    *dircache.Cache
	metrics *metrics.Collector
	fcfg    file.Config

	// serial enforces single-threaded dispatch when the mount is
	// configured unthreaded.
	serial sync.Mutex

	mu      sync.RWMutex
	handles map[uint64]*file.File
	mounted bool
	host    *fuse.FileSystemHost

	nextID uint64
}

// New assembles a Mount from its collaborators.
func New(cfg *config.Config, trk Backend, sto file.Store, collector *metrics.Collector) (*Mount, error) {
	bufferSize, err := cfg.WriteBufferBytes()
	if err != nil {
		return nil, err
	}

	m := &Mount{
		cfg:     cfg,
		trk:     trk,
		sto:     sto,
		metrics: collector,
		handles: make(map[uint64]*file.File),
		fcfg: file.Config{
			Class:        cfg.Class,
			Buffered:     cfg.Buffered,
			BufferSize:   bufferSize,
			Checksums:    cfg.Checksums && !cfg.Threaded,
			ChecksumKind: cfg.ChecksumKind,
		},
	}
	if cfg.Checksums && cfg.Threaded {
		logrus.Warn("checksums disabled: digest state is not shareable across threaded workers")
	}
	m.dirs = dircache.New(trk.ListDirectory, cfg.DirCache.Duration, cfg.DirCache.Enabled)
	return m, nil
}

// MountAndServe mounts the filesystem and runs the FUSE event loop until
// the kernel unmounts. Handles still open at unmount are released
// best-effort.
func (m *Mount) MountAndServe() error {
	m.mu.Lock()
	if m.mounted {
		m.mu.Unlock()
		return fmt.Errorf("%s: already mounted", m.cfg.MountPoint)
	}
	m.mounted = true
	m.host = fuse.NewFileSystemHost(m)
	m.mu.Unlock()

	logrus.Infof("mounting domain %q at %s", m.cfg.Domain, m.cfg.MountPoint)
	ok := m.host.Mount(m.cfg.MountPoint, m.cfg.MountOpts)

	m.releaseAll()

	if !ok {
		return fmt.Errorf("fuse mount at %s failed", m.cfg.MountPoint)
	}
	logrus.Infof("unmounted %s", m.cfg.MountPoint)
	return nil
}

// Unmount asks the kernel to unmount, unwinding MountAndServe.
func (m *Mount) Unmount() bool {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()
	if host == nil {
		return false
	}
	return host.Unmount()
}

// register adds a handle to the live registry under its id.
func (m *Mount) register(f *file.File) {
	m.mu.Lock()
	m.handles[f.ID()] = f
	n := len(m.handles)
	m.mu.Unlock()
	m.metrics.SetOpenHandles(n)
}

// handle looks up a live handle by id.
func (m *Mount) handle(fh uint64) (*file.File, bool) {
	m.mu.RLock()
	f, ok := m.handles[fh]
	m.mu.RUnlock()
	return f, ok
}

// drop removes a handle from the registry.
func (m *Mount) drop(fh uint64) {
	m.mu.Lock()
	delete(m.handles, fh)
	n := len(m.handles)
	m.mu.Unlock()
	m.metrics.SetOpenHandles(n)
}

// releaseAll force-releases handles that survived to unmount. Errors are
// logged and swallowed.
func (m *Mount) releaseAll() {
	m.mu.Lock()
	leftover := make([]*file.File, 0, len(m.handles))
	for _, f := range m.handles {
		leftover = append(leftover, f)
	}
	m.handles = make(map[uint64]*file.File)
	m.mu.Unlock()
	m.metrics.SetOpenHandles(0)

	for _, f := range leftover {
		if err := f.Release(); err != nil {
			logrus.Errorf("release %s at unmount: %v", f.Path(), err)
		}
	}
}

func (m *Mount) handleID() uint64 {
	return atomic.AddUint64(&m.nextID, 1)
}

// guard wraps a callback: it serializes dispatch in single-threaded mode,
// converts panics into -EIO, and records metrics. Use as
// `defer m.guard(op, &errc)()`.
func (m *Mount) guard(op string, errc *int) func() {
	if !m.cfg.Threaded {
		m.serial.Lock()
	}
	start := time.Now()
	return func() {
		if r := recover(); r != nil {
			logrus.Errorf("%s: panic: %v", op, r)
			*errc = -fuse.EIO
		}
		if *errc < 0 {
			logrus.Debugf("%s -> errno %d", op, -*errc)
		}
		m.metrics.RecordOperation(op, time.Since(start), *errc >= 0)
		if !m.cfg.Threaded {
			m.serial.Unlock()
		}
	}
}

// normPath brings a kernel-supplied path to canonical form: absolute with
// a leading slash; "" and "." are the root.
func normPath(p string) string {
	if p == "" || p == "." {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// parentOf returns the directory containing the path.
func parentOf(p string) string {
	i := strings.LastIndex(strings.TrimSuffix(p, "/"), "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// baseOf returns the final path element.
func baseOf(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

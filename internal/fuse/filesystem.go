package fuse

import (
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/mogfs/mogfs/internal/file"
	"github.com/mogfs/mogfs/internal/tracker"
	"github.com/mogfs/mogfs/pkg/errs"
)

// Extended attribute names understood by the filesystem.
const (
	xattrClass    = "MogileFS.class"
	xattrChecksum = "MogileFS.checksum"
)

const noHandle = ^uint64(0)

// statfs reports 1 MiB blocks.
const statfsBlockSize = 1024 * 1024

// Open constructs a file handle for the path and registers it.
func (m *Mount) Open(path string, flags int) (errc int, fh uint64) {
	defer m.guard("open", &errc)()
	p := normPath(path)
	logrus.Debugf("open %s flags=%#x", p, flags)

	fl := accessFlags(flags)
	if m.cfg.ReadOnly && fl.Write {
		return -fuse.EACCES, noHandle
	}

	f, err := file.Open(m.trk, m.sto, m.fcfg, m.handleID(), p, fl)
	if err != nil {
		return -errs.Errno(err), noHandle
	}
	m.register(f)
	return 0, f.ID()
}

// Create materializes an empty object at the path, then opens it.
func (m *Mount) Create(path string, flags int, mode uint32) (errc int, fh uint64) {
	defer m.guard("create", &errc)()
	p := normPath(path)
	logrus.Debugf("create %s flags=%#x mode=%o", p, flags, mode)

	if m.cfg.ReadOnly {
		return -fuse.EACCES, noHandle
	}

	if errc = m.materialize(p, flags&fuse.O_EXCL != 0); errc != 0 {
		return errc, noHandle
	}

	fl := accessFlags(flags)
	fl.Create, fl.Excl = true, false // the object now exists
	f, err := file.Open(m.trk, m.sto, m.fcfg, m.handleID(), p, fl)
	if err != nil {
		return -errs.Errno(err), noHandle
	}
	m.register(f)
	return 0, f.ID()
}

// Mknod materializes an empty object without keeping a handle open.
func (m *Mount) Mknod(path string, mode uint32, dev uint64) (errc int) {
	defer m.guard("mknod", &errc)()
	p := normPath(path)
	logrus.Debugf("mknod %s mode=%o", p, mode)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}
	return m.materialize(p, false)
}

// materialize commits an empty object at the path via an open/release
// cycle and invalidates the containing directory's listing.
func (m *Mount) materialize(path string, excl bool) int {
	f, err := file.Open(m.trk, m.sto, m.fcfg, m.handleID(), path,
		file.Flags{Write: true, Create: true, Excl: excl})
	if err != nil {
		return -errs.Errno(err)
	}
	if err := f.Release(); err != nil {
		return -errs.Errno(err)
	}
	m.dirs.InvalidatePath(path)
	return 0
}

// Read serves a ranged read through the handle.
func (m *Mount) Read(path string, buff []byte, ofst int64, fh uint64) (n int) {
	defer m.guard("read", &n)()
	f, ok := m.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	logrus.Debugf("read %s off=%d len=%d", f.Path(), ofst, len(buff))

	data, err := f.Read(int64(len(buff)), ofst)
	if err != nil {
		return -errs.Errno(err)
	}
	m.metrics.RecordBytes("read", len(data))
	return copy(buff, data)
}

// Write stores bytes through the handle and returns the count accepted.
func (m *Mount) Write(path string, buff []byte, ofst int64, fh uint64) (n int) {
	defer m.guard("write", &n)()
	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}
	f, ok := m.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	logrus.Debugf("write %s off=%d (%d bytes)", f.Path(), ofst, len(buff))

	written, err := f.Write(buff, ofst)
	if err != nil {
		return -errs.Errno(err)
	}
	m.metrics.RecordBytes("write", written)
	return written
}

// Truncate sets the file size, through the handle when one is supplied and
// otherwise via a transient write handle.
func (m *Mount) Truncate(path string, size int64, fh uint64) (errc int) {
	defer m.guard("truncate", &errc)()
	p := normPath(path)
	logrus.Debugf("truncate %s size=%d fh=%d", p, size, fh)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}

	if fh != noHandle {
		f, ok := m.handle(fh)
		if !ok {
			return -fuse.EBADF
		}
		if err := f.Truncate(size); err != nil {
			return -errs.Errno(err)
		}
		m.dirs.InvalidatePath(p)
		return 0
	}

	f, err := file.Open(m.trk, m.sto, m.fcfg, m.handleID(), p, file.Flags{Write: true})
	if err != nil {
		return -errs.Errno(err)
	}
	if err := f.Truncate(size); err != nil {
		errc = -errs.Errno(err)
	}
	if err := f.Release(); err != nil && errc == 0 {
		errc = -errs.Errno(err)
	}
	m.dirs.InvalidatePath(p)
	return errc
}

// Flush commits outstanding changes on the handle.
func (m *Mount) Flush(path string, fh uint64) (errc int) {
	defer m.guard("flush", &errc)()
	f, ok := m.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	logrus.Debugf("flush %s", f.Path())

	wasDirty := f.Dirty()
	if err := f.Flush(); err != nil {
		return -errs.Errno(err)
	}
	if wasDirty {
		m.dirs.InvalidatePath(f.Path())
	}
	return 0
}

// Fsync drains the handle's write buffer without committing.
func (m *Mount) Fsync(path string, datasync bool, fh uint64) (errc int) {
	defer m.guard("fsync", &errc)()
	f, ok := m.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	logrus.Debugf("fsync %s", f.Path())

	if err := f.Fsync(); err != nil {
		return -errs.Errno(err)
	}
	return 0
}

// Release commits and discards the handle.
func (m *Mount) Release(path string, fh uint64) (errc int) {
	defer m.guard("release", &errc)()
	f, ok := m.handle(fh)
	if !ok {
		return -fuse.EBADF
	}
	logrus.Debugf("release %s", f.Path())

	m.drop(fh)
	wasDirty := f.Dirty()
	if err := f.Release(); err != nil {
		errc = -errs.Errno(err)
	}
	if wasDirty {
		m.dirs.InvalidatePath(f.Path())
	}
	return errc
}

// Unlink deletes the key from the domain.
func (m *Mount) Unlink(path string) (errc int) {
	defer m.guard("unlink", &errc)()
	p := normPath(path)
	logrus.Debugf("unlink %s", p)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}
	if err := m.trk.Delete(p); err != nil {
		if tracker.IsUnknownKey(err) {
			return -fuse.ENOENT
		}
		return -errs.Errno(err)
	}
	m.dirs.InvalidatePath(p)
	return 0
}

// Rename moves a key within the domain.
func (m *Mount) Rename(oldpath, newpath string) (errc int) {
	defer m.guard("rename", &errc)()
	oldp, newp := normPath(oldpath), normPath(newpath)
	logrus.Debugf("rename %s -> %s", oldp, newp)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}
	if err := m.trk.Rename(oldp, newp); err != nil {
		switch {
		case tracker.IsUnknownKey(err):
			return -fuse.ENOENT
		case tracker.IsKeyExists(err):
			return -fuse.EEXIST
		default:
			return -errs.Errno(err)
		}
	}
	m.dirs.InvalidatePath(oldp)
	m.dirs.InvalidatePath(newp)
	return 0
}

// Getattr synthesizes a stat from the live handle when one is supplied,
// otherwise from the containing directory's listing.
func (m *Mount) Getattr(path string, stat *fuse.Stat_t, fh uint64) (errc int) {
	defer m.guard("getattr", &errc)()
	p := normPath(path)

	if fh != noHandle {
		if f, ok := m.handle(fh); ok {
			size, err := f.Size()
			if err != nil {
				return -errs.Errno(err)
			}
			m.fillStat(stat, size, false, 0)
			return 0
		}
	}

	if p == "/" {
		m.fillStat(stat, 0, true, 0)
		return 0
	}

	files, err := m.dirs.Lookup(parentOf(p))
	if err != nil {
		return -errs.Errno(err)
	}
	entry, ok := files[baseOf(p)]
	if !ok {
		return -fuse.ENOENT
	}
	m.fillStat(stat, entry.Size, entry.IsDir, entry.Modified.Unix())
	return 0
}

// Readdir enumerates the directory listing plus the dot entries.
func (m *Mount) Readdir(path string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64, fh uint64) (errc int) {
	defer m.guard("readdir", &errc)()
	p := normPath(path)
	logrus.Debugf("readdir %s", p)

	files, err := m.dirs.Lookup(p)
	if err != nil {
		return -errs.Errno(err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for name, entry := range files {
		stat := &fuse.Stat_t{}
		m.fillStat(stat, entry.Size, entry.IsDir, entry.Modified.Unix())
		if !fill(name, stat, 0) {
			break
		}
	}
	return 0
}

// Mkdir forces directory materialization by committing and deleting a
// probe object beneath the new directory.
func (m *Mount) Mkdir(path string, mode uint32) (errc int) {
	defer m.guard("mkdir", &errc)()
	p := normPath(path)
	logrus.Debugf("mkdir %s", p)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}

	probe := p + "/.mogfs-mkdir-" + uuid.NewString()
	if errc := m.materialize(probe, false); errc != 0 {
		return errc
	}
	if err := m.trk.Delete(probe); err != nil {
		logrus.Errorf("mkdir %s: probe cleanup: %v", p, err)
	}
	m.dirs.Invalidate(p)
	return 0
}

// Statfs aggregates device capacity across the cluster. Free space counts
// only devices that are alive and observed writeable.
func (m *Mount) Statfs(path string, stat *fuse.Statfs_t) (errc int) {
	defer m.guard("statfs", &errc)()

	devices, err := m.trk.GetDevices()
	if err != nil {
		return -errs.Errno(err)
	}

	var totalMB, freeMB int64
	for _, d := range devices {
		totalMB += d.MBTotal
		if d.Status == "alive" && d.ObservedState == "writeable" {
			freeMB += d.MBFree
		}
	}

	stat.Bsize = statfsBlockSize
	stat.Frsize = statfsBlockSize
	stat.Blocks = uint64(totalMB)
	stat.Bfree = uint64(freeMB)
	stat.Bavail = uint64(freeMB)
	stat.Namemax = 255
	return 0
}

// Getxattr answers the two well-known attributes from file_info.
func (m *Mount) Getxattr(path string, name string) (errc int, value []byte) {
	defer m.guard("getxattr", &errc)()
	p := normPath(path)

	if name != xattrClass && name != xattrChecksum {
		return -fuse.ENOTSUP, nil
	}

	fi, err := m.trk.FileInfo(p, false)
	if err != nil {
		if tracker.IsUnknownKey(err) {
			return -fuse.ENOENT, nil
		}
		return -errs.Errno(err), nil
	}
	if name == xattrClass {
		return 0, []byte(fi.Class)
	}
	return 0, []byte(fi.Checksum)
}

// Setxattr accepts only the class attribute.
func (m *Mount) Setxattr(path string, name string, value []byte, flags int) (errc int) {
	defer m.guard("setxattr", &errc)()
	p := normPath(path)

	if m.cfg.ReadOnly {
		return -fuse.EACCES
	}
	if name != xattrClass {
		return -fuse.ENOTSUP
	}
	if err := m.trk.UpdateClass(p, string(value)); err != nil {
		if tracker.IsUnknownKey(err) {
			return -fuse.ENOENT
		}
		return -errs.Errno(err)
	}
	return 0
}

// Listxattr reports the constant attribute set.
func (m *Mount) Listxattr(path string, fill func(name string) bool) (errc int) {
	defer m.guard("listxattr", &errc)()
	fill(xattrChecksum)
	fill(xattrClass)
	return 0
}

// Removexattr is not supported; the known attributes are managed remotely.
func (m *Mount) Removexattr(path string, name string) int {
	return -fuse.ENOTSUP
}

// Readlink is intentionally inert: symlinks do not exist in the domain.
func (m *Mount) Readlink(path string) (int, string) {
	return 0, ""
}

// Unsupported operations.

func (m *Mount) Link(oldpath, newpath string) int { return -fuse.ENOTSUP }

func (m *Mount) Symlink(target, newpath string) int { return -fuse.ENOTSUP }

func (m *Mount) Rmdir(path string) int { return -fuse.ENOTSUP }

func (m *Mount) Chmod(path string, mode uint32) int { return -fuse.ENOTSUP }

func (m *Mount) Chown(path string, uid, gid uint32) int { return -fuse.ENOTSUP }

func (m *Mount) Utimens(path string, tmsp []fuse.Timespec) int { return -fuse.ENOTSUP }

// fillStat synthesizes the POSIX stat for an entry. No permission model is
// stored remotely: everything is world-readable, writable unless the mount
// is read-only, and directories are searchable.
func (m *Mount) fillStat(stat *fuse.Stat_t, size int64, isDir bool, mtime int64) {
	mode := uint32(0444)
	if !m.cfg.ReadOnly {
		mode |= 0222
	}
	if isDir {
		mode |= 0111 | fuse.S_IFDIR
	} else {
		mode |= fuse.S_IFREG
	}

	now := fuse.Now()
	modified := now
	if mtime > 0 {
		modified = fuse.Timespec{Sec: mtime}
	}

	stat.Mode = mode
	stat.Nlink = 1
	stat.Size = size
	stat.Blksize = 1024
	stat.Blocks = int64(math.Ceil(float64(size) / 1024))
	stat.Atim = now
	stat.Mtim = modified
	stat.Ctim = modified
}

// accessFlags maps kernel open flags onto the handle's access mode.
func accessFlags(flags int) file.Flags {
	accmode := flags & (fuse.O_RDONLY | fuse.O_WRONLY | fuse.O_RDWR)
	return file.Flags{
		Read:   accmode != fuse.O_WRONLY,
		Write:  accmode == fuse.O_WRONLY || accmode == fuse.O_RDWR,
		Create: flags&fuse.O_CREAT != 0,
		Excl:   flags&fuse.O_EXCL != 0,
	}
}

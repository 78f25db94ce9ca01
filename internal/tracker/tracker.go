// Package tracker implements the MogileFS tracker RPC adapter.
//
// The tracker speaks a line protocol over TCP: the client sends
// "CMD key=val&key2=val2\r\n" with URL-encoded values and receives either
// "OK <args>\r\n" or "ERR <errcode> <errstr>\r\n". This package wraps the
// protocol behind typed verbs and keeps a small pool of idle connections,
// dialing the configured trackers round-robin with bounded backoff.
package tracker

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Error is a typed tracker failure carrying the server's errcode and
// human-readable errstr.
type Error struct {
	Code string
	Str  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker error %s: %s", e.Code, e.Str)
}

// IsUnknownKey reports whether the error is the tracker's "no such key"
// response.
func IsUnknownKey(err error) bool {
	te, ok := err.(*Error)
	return ok && (te.Code == "unknown_key" || te.Code == "invalid_key")
}

// IsKeyExists reports whether the error indicates the target key already
// exists (rename collisions).
func IsKeyExists(err error) bool {
	te, ok := err.(*Error)
	return ok && te.Code == "key_exists"
}

// Destination identifies a newly allocated object location returned by
// create_open.
type Destination struct {
	FID   int64
	DevID int64
	URL   string
}

// CommitRequest carries the arguments of create_close. An empty Key asks
// the tracker to discard the temporary object instead of committing it.
type CommitRequest struct {
	FID      int64
	DevID    int64
	Key      string
	Path     string
	Size     int64
	MTime    time.Time
	Checksum string // "<KIND>:<hex>", verified server-side when set
}

// FileInfo is the per-key metadata returned by file_info.
type FileInfo struct {
	FID      int64
	Size     int64
	Class    string
	Checksum string
	DevCount int
}

// Device is one storage device record from get_devices.
type Device struct {
	ID            int64
	Status        string
	ObservedState string
	MBTotal       int64
	MBFree        int64
}

// Entry is one directory listing entry from the FilePaths plugin.
type Entry struct {
	Name     string
	Size     int64
	Modified time.Time
	IsDir    bool
}

// GetPaths resolves a key to its ordered list of storage-node URLs.
func (c *Client) GetPaths(key string) ([]string, error) {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("key", key)
	args.Set("noverify", "1")
	res, err := c.do("get_paths", args)
	if err != nil {
		return nil, err
	}

	n, _ := strconv.Atoi(res.Get("paths"))
	paths := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if p := res.Get("path" + strconv.Itoa(i)); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// CreateOpen allocates a new object for the key and returns its write
// destination. The object is not visible under the key until CreateClose.
func (c *Client) CreateOpen(class, key string) (Destination, error) {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("key", key)
	args.Set("fid", "0")
	args.Set("multi_dest", "0")
	if class != "" {
		args.Set("class", class)
	}
	res, err := c.do("create_open", args)
	if err != nil {
		return Destination{}, err
	}

	fid, _ := strconv.ParseInt(res.Get("fid"), 10, 64)
	devid, _ := strconv.ParseInt(res.Get("devid"), 10, 64)
	dest := Destination{FID: fid, DevID: devid, URL: res.Get("path")}
	if dest.URL == "" {
		return Destination{}, &Error{Code: "no_devices", Str: "create_open returned no path"}
	}
	return dest, nil
}

// CreateClose commits (or, with an empty Key, discards) a previously opened
// object. The mtime is recorded through the metadata plugin.
func (c *Client) CreateClose(req CommitRequest) error {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("fid", strconv.FormatInt(req.FID, 10))
	args.Set("devid", strconv.FormatInt(req.DevID, 10))
	args.Set("key", req.Key)
	args.Set("path", req.Path)
	args.Set("size", strconv.FormatInt(req.Size, 10))
	args.Set("plugin.meta.keys", "1")
	args.Set("plugin.meta.key0", "mtime")
	args.Set("plugin.meta.value0", strconv.FormatInt(req.MTime.Unix(), 10))
	if req.Checksum != "" {
		args.Set("checksum", req.Checksum)
		args.Set("checksumverify", "1")
	}
	_, err := c.do("create_close", args)
	return err
}

// Delete removes the key from the domain.
func (c *Client) Delete(key string) error {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("key", key)
	_, err := c.do("delete", args)
	return err
}

// Rename moves a key within the domain.
func (c *Client) Rename(oldKey, newKey string) error {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("from_key", oldKey)
	args.Set("to_key", newKey)
	_, err := c.do("rename", args)
	return err
}

// FileInfo returns per-key metadata. When devices is false the tracker
// skips the device enumeration.
func (c *Client) FileInfo(key string, devices bool) (*FileInfo, error) {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("key", key)
	if devices {
		args.Set("devices", "1")
	} else {
		args.Set("devices", "0")
	}
	res, err := c.do("file_info", args)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Class:    res.Get("class"),
		Checksum: res.Get("checksum"),
	}
	fi.FID, _ = strconv.ParseInt(res.Get("fid"), 10, 64)
	fi.Size, _ = strconv.ParseInt(res.Get("length"), 10, 64)
	fi.DevCount, _ = strconv.Atoi(res.Get("devcount"))
	return fi, nil
}

// UpdateClass changes the storage class attached to a key.
func (c *Client) UpdateClass(key, class string) error {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("key", key)
	args.Set("class", class)
	_, err := c.do("updateclass", args)
	return err
}

// GetDevices enumerates the cluster's storage devices.
func (c *Client) GetDevices() ([]Device, error) {
	res, err := c.do("get_devices", url.Values{})
	if err != nil {
		return nil, err
	}

	n, _ := strconv.Atoi(res.Get("devices"))
	devices := make([]Device, 0, n)
	for i := 1; i <= n; i++ {
		prefix := "dev" + strconv.Itoa(i)
		var d Device
		d.ID, _ = strconv.ParseInt(res.Get(prefix+".devid"), 10, 64)
		d.Status = res.Get(prefix + ".status")
		d.ObservedState = res.Get(prefix + ".observed_state")
		d.MBTotal, _ = strconv.ParseInt(res.Get(prefix+".mb_total"), 10, 64)
		d.MBFree, _ = strconv.ParseInt(res.Get(prefix+".mb_free"), 10, 64)
		devices = append(devices, d)
	}
	return devices, nil
}

// ListDirectory lists a directory through the FilePaths plugin, returning
// per-entry name, size, mtime and type.
func (c *Client) ListDirectory(dir string) ([]Entry, error) {
	args := url.Values{}
	args.Set("domain", c.domain)
	args.Set("arg1", dir)
	res, err := c.do("filepaths_list_directory", args)
	if err != nil {
		return nil, err
	}

	n, _ := strconv.Atoi(res.Get("files"))
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		prefix := "file" + strconv.Itoa(i)
		name := res.Get(prefix)
		if name == "" {
			continue
		}
		e := Entry{Name: name, IsDir: res.Get(prefix+".type") == "D"}
		e.Size, _ = strconv.ParseInt(res.Get(prefix+".size"), 10, 64)
		if sec, err := strconv.ParseInt(res.Get(prefix+".mtime"), 10, 64); err == nil && sec > 0 {
			e.Modified = time.Unix(sec, 0)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

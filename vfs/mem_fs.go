// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
)

// NewMem returns an empty in-memory filesystem for tests. Directories are
// implicit: a file may be created under any path without MkdirAll, but List
// and Stat behave as if intermediate directories exist.
func NewMem() FS {
	return &memFS{files: make(map[string][]byte)}
}

type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]struct{}
}

func (fs *memFS) clean(name string) string {
	return path.Clean(strings.ReplaceAll(name, string(os.PathSeparator), "/"))
}

func (fs *memFS) Create(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[name] = nil
	return &memFile{fs: fs, name: name, writable: true}, nil
}

func (fs *memFS) Open(name string) (File, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{fs: fs, name: name, data: append([]byte(nil), data...)}, nil
}

func (fs *memFS) Remove(name string) error {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.files, name)
	return nil
}

func (fs *memFS) RemoveAll(name string) error {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := name + "/"
	for f := range fs.files {
		if f == name || strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	if fs.dirs != nil {
		for d := range fs.dirs {
			if d == name || strings.HasPrefix(d, prefix) {
				delete(fs.dirs, d)
			}
		}
	}
	return nil
}

func (fs *memFS) Rename(oldname, newname string) error {
	oldname, newname = fs.clean(oldname), fs.clean(newname)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(fs.files, oldname)
	fs.files[newname] = data
	return nil
}

func (fs *memFS) MkdirAll(dir string) error {
	dir = fs.clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs == nil {
		fs.dirs = make(map[string]struct{})
	}
	for d := dir; d != "." && d != "/"; d = path.Dir(d) {
		fs.dirs[d] = struct{}{}
	}
	return nil
}

func (fs *memFS) List(dir string) ([]string, error) {
	dir = fs.clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	seen := make(map[string]struct{})
	prefix := dir + "/"
	if dir == "." {
		prefix = ""
	}
	for f := range fs.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := strings.TrimPrefix(f, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = struct{}{}
	}
	if fs.dirs != nil {
		for d := range fs.dirs {
			if strings.HasPrefix(d, prefix) {
				rest := strings.TrimPrefix(d, prefix)
				if i := strings.IndexByte(rest, '/'); i >= 0 {
					rest = rest[:i]
				}
				if rest != "" {
					seen[rest] = struct{}{}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *memFS) Stat(name string) (os.FileInfo, error) {
	name = fs.clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if data, ok := fs.files[name]; ok {
		return memFileInfo{name: path.Base(name), size: int64(len(data))}, nil
	}
	prefix := name + "/"
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			return memFileInfo{name: path.Base(name), dir: true}, nil
		}
	}
	if fs.dirs != nil {
		if _, ok := fs.dirs[name]; ok {
			return memFileInfo{name: path.Base(name), dir: true}, nil
		}
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
}

func (*memFS) PathJoin(elem ...string) string { return path.Join(elem...) }

type memFile struct {
	fs       *memFS
	name     string
	data     []byte
	off      int
	writable bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrPermission}
	}
	f.data = append(f.data, p...)
	f.fs.mu.Lock()
	f.fs.files[f.name] = f.data
	f.fs.mu.Unlock()
	return len(p), nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error { return nil }

func (f *memFile) Stat() (os.FileInfo, error) {
	return memFileInfo{name: path.Base(f.name), size: int64(len(f.data))}, nil
}

type memFileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi memFileInfo) Name() string { return fi.name }
func (fi memFileInfo) Size() int64  { return fi.size }
func (fi memFileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return fi.dir }
func (fi memFileInfo) Sys() interface{}   { return nil }

// IsNotExist reports whether err indicates a missing file.
func IsNotExist(err error) bool { return oserror.IsNotExist(err) }

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()

	f, err := fs.Create("dir/a")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	data, err := ReadFile(fs, "dir/a")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	// ReadAt from an opened snapshot.
	r, err := fs.Open("dir/a")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = r.ReadAt(buf, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("ell"), buf)
	require.NoError(t, r.Close())

	_, err = fs.Open("dir/missing")
	require.True(t, IsNotExist(err))
}

func TestMemFSListAndStat(t *testing.T) {
	fs := NewMem()
	for _, name := range []string{"t/rowset-1/key", "t/rowset-1/col-0", "t/rowset-2/key", "t/META"} {
		f, err := fs.Create(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	names, err := fs.List("t")
	require.NoError(t, err)
	require.Equal(t, []string{"META", "rowset-1", "rowset-2"}, names)

	info, err := fs.Stat("t/rowset-1")
	require.NoError(t, err)
	require.True(t, info.IsDir())
	info, err = fs.Stat("t/META")
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestMemFSRenameAndRemove(t *testing.T) {
	fs := NewMem()
	require.NoError(t, WriteFileAtomic(fs, "a", []byte("x")))
	require.NoError(t, fs.Rename("a", "b"))
	_, err := fs.Open("a")
	require.True(t, IsNotExist(err))
	data, err := ReadFile(fs, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)

	require.NoError(t, fs.Remove("b"))
	require.True(t, IsNotExist(fs.Remove("b")))
}

func TestMemFSRemoveAll(t *testing.T) {
	fs := NewMem()
	for _, name := range []string{"t/r/one", "t/r/two", "t/other"} {
		require.NoError(t, WriteFileAtomic(fs, name, []byte("x")))
	}
	require.NoError(t, fs.RemoveAll("t/r"))
	_, err := fs.Open("t/r/one")
	require.True(t, IsNotExist(err))
	_, err = fs.Open("t/other")
	require.NoError(t, err)
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	fs := NewMem()
	require.NoError(t, WriteFileAtomic(fs, "f", []byte("v1")))
	require.NoError(t, WriteFileAtomic(fs, "f", []byte("v2")))
	data, err := ReadFile(fs, "f")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
	// No temp file left behind.
	_, err = fs.Open("f.tmp")
	require.True(t, IsNotExist(err))
}

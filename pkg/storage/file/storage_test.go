// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package file

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/storage"
	"github.com/spf13/afero"
)

const root = "/var/lib/psa"

func newMemFs(t *testing.T) (afero.Fs, storage.Backend) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := NewWithFs(fsys, root)
	if err != nil {
		t.Fatalf("NewWithFs() error = %v", err)
	}
	return fsys, store
}

func TestNew(t *testing.T) {
	t.Run("creates directory on disk", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		store, err := New(dir)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer store.Close()

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("root is not a directory")
		}
	})

	t.Run("empty root", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("New(\"\") succeeded")
		}
	})

	t.Run("nil filesystem", func(t *testing.T) {
		if _, err := NewWithFs(nil, root); err == nil {
			t.Error("NewWithFs(nil) succeeded")
		}
	})
}

func TestPutGetDelete(t *testing.T) {
	fsys, store := newMemFs(t)
	value := []byte{0x82, 0x85, 0x01}

	if err := store.Put("keys/00000001", value, nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get("keys/00000001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get() = %x, want %x", got, value)
	}

	info, err := fsys.Stat(filepath.Join(root, "keys", "00000001"))
	if err != nil {
		t.Fatalf("record file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("record permissions = %v, want 0600", info.Mode().Perm())
	}
	if ok, _ := afero.Exists(fsys, filepath.Join(root, "keys", "00000001.tmp")); ok {
		t.Error("temporary file left behind")
	}

	if err := store.Put("keys/00000001", []byte{0x01}, nil); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	got, _ = store.Get("keys/00000001")
	if !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("overwrite not visible: %x", got)
	}

	if err := store.Delete("keys/00000001"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("keys/00000001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete("keys/00000001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestPutPermissionsOption(t *testing.T) {
	fsys, store := newMemFs(t)
	if err := store.Put("public", []byte("x"), &storage.Options{Permissions: 0644}); err != nil {
		t.Fatal(err)
	}
	info, err := fsys.Stat(filepath.Join(root, "public"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("permissions = %v, want 0644", info.Mode().Perm())
	}
}

func TestList(t *testing.T) {
	fsys, store := newMemFs(t)
	for _, k := range []string{"keys/00000002", "keys/00000001", "meta/version"} {
		if err := store.Put(k, []byte(k), nil); err != nil {
			t.Fatal(err)
		}
	}
	// interrupted write
	if err := afero.WriteFile(fsys, filepath.Join(root, "keys", "00000009.tmp"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List("keys/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"keys/00000001", "keys/00000002"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("List() = %v, want %v", keys, want)
	}

	ids, err := storage.ListKeys(store)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("ListKeys() = %v", ids)
	}
}

func TestExists(t *testing.T) {
	_, store := newMemFs(t)
	ok, err := store.Exists("keys/00000001")
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}
	_ = store.Put("keys/00000001", []byte("v"), nil)
	ok, err = store.Exists("keys/00000001")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
}

func TestInvalidKeys(t *testing.T) {
	_, store := newMemFs(t)
	keys := []string{
		"",
		"../escape",
		"keys/../../escape",
		"/etc/passwd",
		"keys/\x00",
		"keys/00000001.tmp",
		"..",
	}
	for _, k := range keys {
		t.Run(fmt.Sprintf("%q", k), func(t *testing.T) {
			if err := store.Put(k, []byte("v"), nil); !errors.Is(err, storage.ErrInvalidKey) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidKey", k, err)
			}
			if _, err := store.Get(k); !errors.Is(err, storage.ErrInvalidKey) {
				t.Errorf("Get(%q) error = %v, want ErrInvalidKey", k, err)
			}
		})
	}
}

func TestClose(t *testing.T) {
	_, store := newMemFs(t)
	_ = store.Put("k", []byte("v"), nil)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("k"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Get after Close error = %v", err)
	}
	if err := store.Put("k", []byte("v"), nil); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Put after Close error = %v", err)
	}
	if _, err := store.List(""); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("List after Close error = %v", err)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Put("keys/00000005", []byte("record"), nil); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := second.Get("keys/00000005")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "record" {
		t.Errorf("Get() = %q", got)
	}
}

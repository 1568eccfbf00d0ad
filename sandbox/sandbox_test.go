package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestContainment(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"plain relative", "notes.txt", false},
		{"nested relative", "a/b/c.txt", false},
		{"dot segments collapsing inside", "a/../b.txt", false},
		{"traversal escape", "../outside.txt", true},
		{"deep traversal escape", "a/../../outside.txt", true},
		{"bare parent", "..", true},
		{"absolute inside", filepath.Join(fs.Root(), "ok.txt"), false},
		{"absolute outside", "/etc/passwd", true},
		{"prefix sibling", "../" + filepath.Base(fs.Root()) + "-evil/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fs.WriteText(tt.path, "data")
			if tt.wantErr {
				if !errors.Is(err, ErrEscapesRoot) {
					t.Errorf("WriteText(%q) error = %v, want ErrEscapesRoot", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Errorf("WriteText(%q) error = %v", tt.path, err)
			}
		})
	}
}

func TestRejectionBeforeSyscall(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// An escaping path must be rejected even when the target exists and
	// would be readable: the check is lexical, not an access failure.
	outside := filepath.Join(filepath.Dir(fs.Root()), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.ReadText("../secret.txt"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("ReadText escape error = %v, want ErrEscapesRoot", err)
	}
	if _, err := fs.Open("../secret.txt"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("Open escape error = %v, want ErrEscapesRoot", err)
	}
	if _, err := fs.ListDir(".."); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("ListDir escape error = %v, want ErrEscapesRoot", err)
	}
	if err := fs.Remove("../secret.txt"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("Remove escape error = %v, want ErrEscapesRoot", err)
	}

	if data, err := os.ReadFile(outside); err != nil || string(data) != "secret" {
		t.Fatalf("outside file disturbed: %v", err)
	}
}

func TestWriteCreatesParents(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.WriteText("deep/nested/dir/file.txt", "hello"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	got, err := fs.ReadText("deep/nested/dir/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("ReadText() = %q, want %q", got, "hello")
	}
}

func TestRemoveDirNonRecursiveByDefault(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteText("dir/file.txt", "x"); err != nil {
		t.Fatal(err)
	}

	if err := fs.RemoveDir("dir", false); err == nil {
		t.Error("RemoveDir(non-recursive) on non-empty dir = nil, want error")
	}
	if err := fs.RemoveDir("dir", true); err != nil {
		t.Errorf("RemoveDir(recursive) error = %v", err)
	}
	exists, err := fs.Exists("dir")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("dir still exists after recursive remove")
	}
}

func TestSymlinkPrivileges(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "shared.txt")
	if err := os.WriteFile(outside, []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("agent handle cannot link outside", func(t *testing.T) {
		fs, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateSymlink(outside, "link.txt"); !errors.Is(err, ErrSymlinkDenied) {
			t.Errorf("CreateSymlink() error = %v, want ErrSymlinkDenied", err)
		}
	})

	t.Run("kernel handle can link outside", func(t *testing.T) {
		fs, err := New(t.TempDir(), WithPrivilegedLinks())
		if err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateSymlink(outside, "link.txt"); err != nil {
			t.Fatalf("CreateSymlink() error = %v", err)
		}
		// The link resolves outside the root, and reads through it work
		// because containment was satisfied lexically before resolution.
		got, err := fs.ReadText("link.txt")
		if err != nil {
			t.Fatal(err)
		}
		if got != "shared" {
			t.Errorf("ReadText(link) = %q, want %q", got, "shared")
		}
	})

	t.Run("internal links allowed for any handle", func(t *testing.T) {
		fs, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		if err := fs.WriteText("target.txt", "in"); err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateSymlink("target.txt", "alias.txt"); err != nil {
			t.Errorf("CreateSymlink(internal) error = %v", err)
		}
	})

	t.Run("link location must still be contained", func(t *testing.T) {
		fs, err := New(t.TempDir(), WithPrivilegedLinks())
		if err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateSymlink(outside, "../escape-link"); !errors.Is(err, ErrEscapesRoot) {
			t.Errorf("CreateSymlink(escaping location) error = %v, want ErrEscapesRoot", err)
		}
	})
}

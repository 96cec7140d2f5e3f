package testenv

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a temporary directory.
// The temporary directory and contained files are automatically deleted during cleanup.
func TempDir(t testing.TB) (dir string) {
	dir, e := os.MkdirTemp("", "l2reflector-test-*")
	if e != nil {
		panic(e)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// WriteFile writes a file under dir, creating parent directories as needed.
func WriteFile(t testing.TB, dir, name, content string) (filename string) {
	filename = filepath.Join(dir, name)
	if e := os.MkdirAll(filepath.Dir(filename), 0o755); e != nil {
		t.Fatal(e)
	}
	if e := os.WriteFile(filename, []byte(content), 0o644); e != nil {
		t.Fatal(e)
	}
	return filename
}

// Symlink creates a symbolic link under dir, creating parent directories as needed.
func Symlink(t testing.TB, dir, name, target string) {
	filename := filepath.Join(dir, name)
	if e := os.MkdirAll(filepath.Dir(filename), 0o755); e != nil {
		t.Fatal(e)
	}
	if e := os.Symlink(target, filename); e != nil {
		t.Fatal(e)
	}
}

package workers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveScopedPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := resolveScopedPath("../../etc/passwd", dir); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}

func TestResolveScopedPathAllowsWithin(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "note.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resolved, err := resolveScopedPath("note.md", dir)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	real, _ := filepath.EvalSymlinks(filepath.Join(dir, "note.md"))
	if resolved != real {
		t.Fatalf("expected %q, got %q", real, resolved)
	}
}

func TestValidFilenameRejectsReservedNames(t *testing.T) {
	for _, name := range []string{"status.json", "task.md", "steering.md"} {
		if err := validFilename(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidFilenameRejectsSeparatorsAndDotfiles(t *testing.T) {
	cases := []string{"a/b.txt", "a\\b.txt", ".hidden"}
	for _, name := range cases {
		if err := validFilename(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidFilenameRejectsTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if err := validFilename(string(long)); err == nil {
		t.Fatal("expected overlong filename to be rejected")
	}
}

func TestValidFilenameAcceptsOrdinaryName(t *testing.T) {
	if err := validFilename("result.md"); err != nil {
		t.Fatalf("expected ordinary filename to be accepted, got %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSamePath_IdenticalStrings(t *testing.T) {
	// Exact match short-circuits before stat.
	if !SamePath("/nonexistent/identical/path", "/nonexistent/identical/path") {
		t.Error("SamePath should return true for identical strings")
	}
}

func TestSamePath_DifferentDirs(t *testing.T) {
	if SamePath(t.TempDir(), t.TempDir()) {
		t.Error("SamePath should return false for different directories")
	}
}

func TestSamePath_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	if !SamePath(target, link) {
		t.Error("SamePath should return true for symlink to same directory")
	}
}

func TestSamePath_NonExistent(t *testing.T) {
	dir := t.TempDir()

	if SamePath("/no/such/pathA", "/no/such/pathB") {
		t.Error("SamePath should return false when both paths are missing")
	}
	if SamePath(dir, "/no/such/path") {
		t.Error("SamePath should return false when one path is missing")
	}
}

func TestSamePath_TrailingSlashAndDotDot(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "child")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	if !SamePath(dir, dir+"/") {
		t.Error("SamePath should return true for path with trailing slash")
	}
	if !SamePath(dir, filepath.Join(sub, "..")) {
		t.Error("SamePath should return true for path with .. that resolves to same dir")
	}
}

func TestResolveProjectPath_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "repo")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "repo-link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	got, ok := resolveProjectPath([]string{target}, link)
	if !ok || got != target {
		t.Errorf("resolveProjectPath() = %q, %v, want %q, true", got, ok, target)
	}
}

func TestResolveProjectPath_NoMatch(t *testing.T) {
	input := "/other/repo"
	got, ok := resolveProjectPath([]string{"/stored/repo1", "/stored/repo2"}, input)
	if ok || got != input {
		t.Errorf("resolveProjectPath() = %q, %v, want %q, false", got, ok, input)
	}

	if _, ok := resolveProjectPath(nil, input); ok {
		t.Error("resolveProjectPath with no projects should not match")
	}
}

func TestResolveProjectPath_ExactMatchPreferred(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "repo")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	// link comes first and resolves to the same inode, but target is exact.
	got, ok := resolveProjectPath([]string{link, target}, target)
	if !ok || got != target {
		t.Errorf("resolveProjectPath() = %q, want exact %q", got, target)
	}
}

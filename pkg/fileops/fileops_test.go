package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdataerr"
	"github.com/r2northstar/pdata/pkg/pdtoken"
)

func tokenWithMounts(t *testing.T, root string, caps []string) pdtoken.Token {
	t.Helper()
	m := mount.NewTable()
	m.Set("~data", root)
	return pdtoken.Token{Username: "alice", Roles: []string{"user"}, Caps: caps, Mounts: m}
}

func TestDefaultAliasPrefersUserHomeForRelativePaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "users", "alice"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := mount.NewTable()
	m.Set("~data", root)
	m.Set(mount.HomeAlias("user", "alice"), filepath.Join(root, "users", "alice"))
	tok := pdtoken.Token{
		Username: "alice",
		Roles:    []string{"user"},
		Caps:     []string{"write:~/data/users/alice/**"},
		Mounts:   m,
	}
	ops := New(nil, false)

	if err := ops.Write(tok, "docs/hello.md", []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "users", "alice", "docs", "hello.md")); err != nil {
		t.Fatalf("expected relative write to land under the user home, not ~data: %v", err)
	}
}

func TestDefaultAliasPrefersProjectHomeWhenProjectRoleHeld(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "projects", "widgets"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := mount.NewTable()
	m.Set("~data", root)
	m.Set(mount.HomeAlias("project", "widgets"), filepath.Join(root, "projects", "widgets"))
	tok := pdtoken.Token{
		Username: "widgets",
		Roles:    []string{"project"},
		Caps:     []string{"write:~/data/projects/widgets/**"},
		Mounts:   m,
	}
	ops := New(nil, false)

	if err := ops.Write(tok, "build/out.bin", []byte("bin")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "projects", "widgets", "build", "out.bin")); err != nil {
		t.Fatalf("expected relative write to land under the project home: %v", err)
	}
}

func TestListBasic(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tok := tokenWithMounts(t, root, []string{"list:~data/**", "read:~data/**"})
	ops := New(nil, false)

	res, err := ops.List(tok, "~data")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !res.Exists {
		t.Fatal("expected Exists=true")
	}
	if len(res.Files) != 1 || res.Files[0] != "a.txt" {
		t.Fatalf("Files = %v, want [a.txt]", res.Files)
	}
	if len(res.Dirs) != 1 || res.Dirs[0] != "sub" {
		t.Fatalf("Dirs = %v, want [sub]", res.Dirs)
	}
}

func TestListNoCapabilityIsPermissionDenied(t *testing.T) {
	root := t.TempDir()
	tok := tokenWithMounts(t, root, nil)
	ops := New(nil, false)

	_, err := ops.List(tok, "~data")
	if err == nil {
		t.Fatal("expected an error with no capabilities granted")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v (tagged=%v)", code, ok)
	}
}

func TestListFiltersEntriesByCapability(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "visible.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tok := tokenWithMounts(t, root, []string{"list:~data", "read:~data/visible.txt"})
	ops := New(nil, false)

	res, err := ops.List(tok, "~data")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0] != "visible.txt" {
		t.Fatalf("Files = %v, want [visible.txt] (secret.txt should be filtered out)", res.Files)
	}
}

func TestReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := tokenWithMounts(t, root, []string{"read:~data/**"})
	ops := New(nil, false)

	got, err := ops.Read(tok, "~data/a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestReadMissingWithoutListOnParentIsPermissionDenied(t *testing.T) {
	root := t.TempDir()
	tok := tokenWithMounts(t, root, []string{"read:~data/**"})
	ops := New(nil, false)

	_, err := ops.Read(tok, "~data/missing.txt")
	if err == nil {
		t.Fatal("expected an error reading a missing file")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v (tagged=%v)", code, ok)
	}
}

func TestReadMissingWithListOnParentIsNotFound(t *testing.T) {
	root := t.TempDir()
	tok := tokenWithMounts(t, root, []string{"read:~data/**", "list:~data"})
	ops := New(nil, false)

	_, err := ops.Read(tok, "~data/missing.txt")
	if err == nil {
		t.Fatal("expected an error reading a missing file")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.NotFound {
		t.Fatalf("expected NotFound, got %v (tagged=%v)", code, ok)
	}
}

func TestWriteCreatesAndOverwrites(t *testing.T) {
	root := t.TempDir()
	tok := tokenWithMounts(t, root, []string{"write:~data/**"})
	ops := New(nil, false)

	if err := ops.Write(tok, "~data/new/file.txt", []byte("v1")); err != nil {
		t.Fatalf("Write (create): %v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "new", "file.txt"))
	if err != nil || string(b) != "v1" {
		t.Fatalf("file content = %q, %v, want v1", b, err)
	}

	if err := ops.Write(tok, "~data/new/file.txt", []byte("v2")); err != nil {
		t.Fatalf("Write (overwrite): %v", err)
	}
	b, err = os.ReadFile(filepath.Join(root, "new", "file.txt"))
	if err != nil || string(b) != "v2" {
		t.Fatalf("file content after overwrite = %q, %v, want v2", b, err)
	}
}

func TestWriteDeniedWithoutCapability(t *testing.T) {
	root := t.TempDir()
	tok := tokenWithMounts(t, root, nil)
	ops := New(nil, false)

	err := ops.Write(tok, "~data/file.txt", []byte("x"))
	if err == nil {
		t.Fatal("expected write to be denied")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v (tagged=%v)", code, ok)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := tokenWithMounts(t, root, []string{"delete:~data/**"})
	ops := New(nil, false)

	if err := ops.Delete(tok, "~data/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestDeleteRejectsDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tok := tokenWithMounts(t, root, []string{"delete:~data/**"})
	ops := New(nil, false)

	err := ops.Delete(tok, "~data/sub")
	if err == nil {
		t.Fatal("expected an error deleting a directory")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v (tagged=%v)", code, ok)
	}
}

func TestFinalizeUpload(t *testing.T) {
	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")

	m := mount.NewTable()
	m.Set("~uploads", uploads)
	tok := pdtoken.Token{Username: "alice", Mounts: m}
	ops := New(nil, false)

	tmp, err := os.CreateTemp(t.TempDir(), "src-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.WriteString("payload"); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	vpath, err := ops.FinalizeUpload(tok, tmp.Name(), "My Report.PDF")
	if err != nil {
		t.Fatalf("FinalizeUpload: %v", err)
	}
	if !filepathHasSuffix(vpath, ".PDF") {
		t.Fatalf("vpath = %q, expected to retain the .PDF extension", vpath)
	}
	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Fatal("expected the temp source file to have been renamed away")
	}
}

func TestFinalizeUploadNoUploadsMount(t *testing.T) {
	tok := pdtoken.Token{Username: "alice", Mounts: mount.NewTable()}
	ops := New(nil, false)

	tmp, err := os.CreateTemp(t.TempDir(), "src-*")
	if err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	_, err = ops.FinalizeUpload(tok, tmp.Name(), "x.txt")
	if err == nil {
		t.Fatal("expected an error with no ~uploads mount")
	}
	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Fatal("expected the temp source file to be cleaned up on failure")
	}
}

func TestCreateSymlink(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "target.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := tokenWithMounts(t, root, []string{"write:~data/**", "read:~data/**"})
	ops := New(nil, false)

	if err := ops.CreateSymlink(tok, "~data/link.txt", "~data/target.txt"); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}

	got, err := ops.Read(tok, "~data/link.txt")
	if err != nil {
		t.Fatalf("Read through symlink: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("Read through symlink = %q, want x", got)
	}
}

func TestCreateSymlinkRequiresWriteOnLink(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "target.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok := tokenWithMounts(t, root, []string{"read:~data/**"})
	ops := New(nil, false)

	err := ops.CreateSymlink(tok, "~data/link.txt", "~data/target.txt")
	if err == nil {
		t.Fatal("expected symlink creation without write capability to be denied")
	}
	if code, ok := pdataerr.Of(err); !ok || code != pdataerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v (tagged=%v)", code, ok)
	}
}

func filepathHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

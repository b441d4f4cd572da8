package nspath

import (
	"testing"

	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdataerr"
)

func testMounts() mount.Table {
	t := mount.NewTable()
	t.Set("~data", "/srv/pdata/data")
	t.Set("~/data/users/alice", "/srv/pdata/users/alice")
	return t
}

func TestResolve(t *testing.T) {
	mounts := testMounts()

	cases := []struct {
		name    string
		vpath   string
		want    string
		wantErr pdataerr.Code
	}{
		{name: "default alias empty path", vpath: "", want: "/srv/pdata/data"},
		{name: "default alias dot", vpath: ".", want: "/srv/pdata/data"},
		{name: "relative path under default", vpath: "foo/bar.txt", want: "/srv/pdata/data/foo/bar.txt"},
		{name: "exact alias match", vpath: "~data", want: "/srv/pdata/data"},
		{name: "alias prefix match", vpath: "~data/sub/dir", want: "/srv/pdata/data/sub/dir"},
		{name: "multi-segment alias", vpath: "~/data/users/alice/notes.txt", want: "/srv/pdata/users/alice/notes.txt"},
		{name: "collapses repeated slashes", vpath: "~data//sub///dir", want: "/srv/pdata/data/sub/dir"},
		{name: "unknown alias", vpath: "~nope/x", wantErr: pdataerr.BadPath},
		{name: "dotdot segment", vpath: "~data/../etc/passwd", wantErr: pdataerr.BadPath},
		{name: "nul byte", vpath: "~data/\x00", wantErr: pdataerr.BadPath},
		{name: "literal tilde mid path", vpath: "~data/a~b", wantErr: pdataerr.BadPath},
		{name: "dot after first segment", vpath: "~data/./x", wantErr: pdataerr.BadPath},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Resolve(mounts, "~data", c.vpath)
			if c.wantErr != "" {
				if err == nil {
					t.Fatalf("Resolve(%q): expected error %v, got nil (result %q)", c.vpath, c.wantErr, got)
				}
				if code, ok := pdataerr.Of(err); !ok || code != c.wantErr {
					t.Fatalf("Resolve(%q): expected code %v, got %v (tagged=%v)", c.vpath, c.wantErr, code, ok)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): unexpected error: %v", c.vpath, err)
			}
			if got != c.want {
				t.Fatalf("Resolve(%q) = %q, want %q", c.vpath, got, c.want)
			}
		})
	}
}

func TestResolveRelativePathPrefersHomeAliasOverData(t *testing.T) {
	mounts := testMounts()

	// A relative path must resolve under the caller's home mount when one
	// is present, even though ~data is also mounted -- the opposite
	// preference from the empty/"."/"/" case.
	got, err := Resolve(mounts, "~/data/users/alice", "docs/hello.md")
	if err != nil {
		t.Fatalf("Resolve: unexpected error: %v", err)
	}
	if want := "/srv/pdata/users/alice/docs/hello.md"; got != want {
		t.Fatalf("Resolve(relative) = %q, want %q", got, want)
	}
}

func TestResolveEmptyPathPrefersDataOverHomeAlias(t *testing.T) {
	mounts := testMounts()

	// The empty-path case keeps the opposite preference: ~data wins over
	// the home alias.
	got, err := Resolve(mounts, "~/data/users/alice", "")
	if err != nil {
		t.Fatalf("Resolve: unexpected error: %v", err)
	}
	if want := "/srv/pdata/data"; got != want {
		t.Fatalf("Resolve(empty) = %q, want %q", got, want)
	}
}

func TestResolveRelativePathFallsBackToDataWithoutHomeAlias(t *testing.T) {
	mounts := mount.NewTable()
	mounts.Set("~data", "/srv/pdata/data")

	got, err := Resolve(mounts, "~/data/users/nobody", "docs/hello.md")
	if err != nil {
		t.Fatalf("Resolve: unexpected error: %v", err)
	}
	if want := "/srv/pdata/data/docs/hello.md"; got != want {
		t.Fatalf("Resolve(relative, no home) = %q, want %q", got, want)
	}
}

func TestResolveNoDefaultMount(t *testing.T) {
	empty := mount.NewTable()
	if _, err := Resolve(empty, "~nothing", ""); err == nil {
		t.Fatal("expected error when no mounts are configured")
	} else if code, ok := pdataerr.Of(err); !ok || code != pdataerr.NotFound {
		t.Fatalf("expected NotFound, got %v (tagged=%v)", code, ok)
	}
}

func TestSplitAlias(t *testing.T) {
	cases := []struct {
		vpath    string
		alias    string
		rest     string
		hasAlias bool
	}{
		{vpath: "~data/sub/dir", alias: "~data", rest: "sub/dir", hasAlias: true},
		{vpath: "~data", alias: "~data", rest: "", hasAlias: true},
		{vpath: "relative/path", alias: "", rest: "relative/path", hasAlias: false},
	}
	for _, c := range cases {
		alias, rest, hasAlias := SplitAlias(c.vpath)
		if alias != c.alias || rest != c.rest || hasAlias != c.hasAlias {
			t.Fatalf("SplitAlias(%q) = (%q, %q, %v), want (%q, %q, %v)", c.vpath, alias, rest, hasAlias, c.alias, c.rest, c.hasAlias)
		}
	}
}

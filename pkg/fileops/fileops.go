// Package fileops implements FileOps: the operations that actually touch
// the host filesystem once a token has been validated and a virtual path
// resolved and authorized -- list, read, write, delete, finalize_upload,
// and create_symlink.
//
// Every method follows the same gate: resolve the virtual path, check the
// capability for the requested operation, then touch disk. Any failure in
// the first two steps collapses to PermissionDenied so a caller can never
// distinguish "forbidden" from "doesn't resolve" -- the same
// information-hiding posture the teacher project takes with its account
// lookup errors (see pkg/api/api0/accounts.go's uniform auth failures).
package fileops

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/r2northstar/pdata/pkg/capcat"
	"github.com/r2northstar/pdata/pkg/capmatch"
	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/nspath"
	"github.com/r2northstar/pdata/pkg/pdataerr"
	"github.com/r2northstar/pdata/pkg/pdtoken"
)

// ListResult is the result of a List call.
type ListResult struct {
	Dirs   []string
	Files  []string
	Exists bool
}

// Ops implements FileOps against the host filesystem. It holds no
// per-request state; every method takes the token and inputs it needs.
type Ops struct {
	catalog            *capcat.Catalog
	permissiveSymlinks bool
}

// New creates an Ops. permissiveSymlinks weakens symlink re-authorization
// for read/list only, per spec.md's symlink policy; it never weakens
// write or delete.
func New(catalog *capcat.Catalog, permissiveSymlinks bool) *Ops {
	return &Ops{catalog: catalog, permissiveSymlinks: permissiveSymlinks}
}

const (
	opList  = "list"
	opRead  = "read"
	opWrite = "write"
)

// defaultAlias picks tok's home alias -- the one PathResolver prefers for
// relative-path resolution. A session can hold both the "user" and
// "project" roles at once (each contributing its own home alias to
// tok.Mounts), so the choice is driven by which home alias is actually
// mounted rather than by a hardcoded role kind: project takes precedence
// when present, since a project session's relative writes belong under
// its project home, not a same-named user home it happens to also hold.
func defaultAlias(tok pdtoken.Token) string {
	if project := mount.HomeAlias("project", tok.Username); hasRole(tok, "project") {
		if _, ok := tok.Mounts.Lookup(project); ok {
			return project
		}
	}
	return mount.HomeAlias("user", tok.Username)
}

func hasRole(tok pdtoken.Token, role string) bool {
	for _, r := range tok.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// gate resolves vpath and checks op against the token's capabilities,
// returning the resolved host path on success. Any failure is reported as
// PermissionDenied, deliberately discarding whether resolution or the
// capability check is what failed.
func gate(tok pdtoken.Token, catalog *capcat.Catalog, op, vpath string) (string, error) {
	resolved, err := nspath.Resolve(tok.Mounts, defaultAlias(tok), vpath)
	if err != nil {
		return "", pdataerr.New(pdataerr.PermissionDenied, "fileops", "access denied")
	}
	// A relative path is checked as the alias-rooted path that
	// nspath.Resolve resolved it under.
	capPath := vpath
	if !strings.HasPrefix(vpath, "~") {
		rest := strings.TrimLeft(vpath, "/")
		alias, _, _ := tok.Mounts.HomePreferredAlias(defaultAlias(tok))
		if rest == "" || rest == "." {
			alias, _, _ = tok.Mounts.DefaultAlias(defaultAlias(tok))
			rest = ""
		}
		capPath = alias
		if rest != "" {
			capPath = alias + "/" + rest
		}
	}
	if !capmatch.HasCap(tok.Caps, tok.Mounts, catalog, op, capPath) {
		return "", pdataerr.New(pdataerr.PermissionDenied, "fileops", "access denied")
	}
	return resolved, nil
}

// hasListOnParent reports whether tok has list capability on the virtual
// parent of vpath, used to decide between NotFound and PermissionDenied
// per spec.md §7.
func hasListOnParent(tok pdtoken.Token, catalog *capcat.Catalog, vpath string) bool {
	parent := parentVirtual(vpath)
	return capmatch.HasCap(tok.Caps, tok.Mounts, catalog, opList, parent)
}

func parentVirtual(vpath string) string {
	vpath = strings.TrimSuffix(vpath, "/")
	if i := strings.LastIndexByte(vpath, '/'); i >= 0 {
		return vpath[:i]
	}
	return vpath
}

// hostToVirtual maps an absolute host path back to a virtual path using
// the session's mount table, choosing the mount whose target is the
// longest matching prefix. Used to re-authorize symlink targets against
// the namespace the token was granted, not the filesystem.
func hostToVirtual(hostPath string, mounts mount.Table) (string, bool) {
	clean := filepath.Clean(hostPath)
	var bestAlias, bestTarget string
	for _, alias := range mounts.Order() {
		target, ok := mounts.Lookup(alias)
		if !ok {
			continue
		}
		target = filepath.Clean(target)
		if (clean == target || strings.HasPrefix(clean, target+string(filepath.Separator))) && len(target) > len(bestTarget) {
			bestAlias, bestTarget = alias, target
		}
	}
	if bestAlias == "" {
		return "", false
	}
	if clean == bestTarget {
		return bestAlias, true
	}
	rel := strings.TrimPrefix(clean, bestTarget+string(filepath.Separator))
	rel = filepath.ToSlash(rel)
	return bestAlias + "/" + rel, true
}

// List implements list(token, vpath).
func (o *Ops) List(tok pdtoken.Token, vpath string) (ListResult, error) {
	resolved, err := gate(tok, o.catalog, opList, vpath)
	if err != nil {
		return ListResult{}, err
	}

	entries, err := os.ReadDir(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		if hasListOnParent(tok, o.catalog, vpath) {
			return ListResult{}, pdataerr.New(pdataerr.NotFound, "fileops.List", "no such entry")
		}
		return ListResult{}, pdataerr.New(pdataerr.PermissionDenied, "fileops.List", "access denied")
	}
	if err != nil {
		return ListResult{}, pdataerr.Wrap(pdataerr.IoError, "fileops.List", err)
	}

	res := ListResult{Exists: true}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		entryVPath := strings.TrimSuffix(vpath, "/") + "/" + e.Name()

		isDir := e.IsDir()
		info, statErr := e.Info()
		if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
			target, ok := resolveSymlinkOneLevel(filepath.Join(resolved, e.Name()))
			if !ok {
				// broken symlink: classified as a file, never dereferenced further.
				isDir = false
			} else if fi, statErr := os.Stat(target); statErr == nil {
				isDir = fi.IsDir()
			} else {
				isDir = false
			}
		}

		op := opRead
		if isDir {
			op = opList
		}
		if !capmatch.HasCap(tok.Caps, tok.Mounts, o.catalog, op, entryVPath) {
			continue
		}
		if isDir {
			res.Dirs = append(res.Dirs, e.Name())
		} else {
			res.Files = append(res.Files, e.Name())
		}
	}
	sort.Strings(res.Dirs)
	sort.Strings(res.Files)
	return res, nil
}

// Read implements read(token, vpath).
func (o *Ops) Read(tok pdtoken.Token, vpath string) ([]byte, error) {
	resolved, err := gate(tok, o.catalog, opRead, vpath)
	if err != nil {
		return nil, err
	}

	fi, err := os.Lstat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		if hasListOnParent(tok, o.catalog, vpath) {
			return nil, pdataerr.New(pdataerr.NotFound, "fileops.Read", "no such entry")
		}
		return nil, pdataerr.New(pdataerr.PermissionDenied, "fileops.Read", "access denied")
	}
	if err != nil {
		return nil, pdataerr.Wrap(pdataerr.IoError, "fileops.Read", err)
	}

	readPath := resolved
	if fi.Mode()&os.ModeSymlink != 0 {
		target, ok := resolveSymlinkOneLevel(resolved)
		if !ok {
			return nil, pdataerr.New(pdataerr.IoError, "fileops.Read", "broken symlink")
		}
		if authorized, _ := authorizeSymlinkTarget(tok, o.catalog, target, opRead, o.permissiveSymlinks); !authorized {
			return nil, pdataerr.New(pdataerr.PermissionDenied, "fileops.Read", "access denied")
		}
		readPath = target
	}

	b, err := os.ReadFile(readPath)
	if err != nil {
		return nil, pdataerr.Wrap(pdataerr.IoError, "fileops.Read", err)
	}
	return b, nil
}

// Write implements write(token, vpath, bytes).
func (o *Ops) Write(tok pdtoken.Token, vpath string, data []byte) error {
	resolved, err := gate(tok, o.catalog, opWrite, vpath)
	if err != nil {
		return err
	}

	writePath := resolved
	fi, statErr := os.Lstat(resolved)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		// new file; fall through to create it below.
	case statErr != nil:
		return pdataerr.Wrap(pdataerr.IoError, "fileops.Write", statErr)
	case fi.Mode()&os.ModeSymlink != 0:
		target, ok := resolveSymlinkOneLevel(resolved)
		if !ok {
			return pdataerr.New(pdataerr.IoError, "fileops.Write", "broken symlink")
		}
		if ok, _ := authorizeSymlinkTarget(tok, o.catalog, target, opWrite, false); !ok {
			return pdataerr.New(pdataerr.PermissionDenied, "fileops.Write", "access denied")
		}
		writePath = target
	case fi.Mode().IsRegular():
		// overwrite in place.
	default:
		return pdataerr.New(pdataerr.InvalidInput, "fileops.Write", "target is not a regular file or symlink")
	}

	if err := os.MkdirAll(filepath.Dir(writePath), 0o755); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.Write", err)
	}
	if err := atomicWriteFile(writePath, data); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.Write", err)
	}
	return nil
}

// Delete implements delete(token, vpath).
func (o *Ops) Delete(tok pdtoken.Token, vpath string) error {
	resolved, err := gate(tok, o.catalog, "delete", vpath)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		if hasListOnParent(tok, o.catalog, vpath) {
			return pdataerr.New(pdataerr.NotFound, "fileops.Delete", "no such entry")
		}
		return pdataerr.New(pdataerr.PermissionDenied, "fileops.Delete", "access denied")
	}
	if err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.Delete", err)
	}
	if fi.IsDir() {
		return pdataerr.New(pdataerr.InvalidInput, "fileops.Delete", "directories are out of scope for delete")
	}
	if err := os.Remove(resolved); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.Delete", err)
	}
	return nil
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FinalizeUpload implements finalize_upload(token, temp_path, original_name).
// tempPath is a host path the caller already has (e.g. a multipart upload
// buffered to a temp file by the HTTP host layer); it is not itself a
// virtual path and is not re-authorized.
func (o *Ops) FinalizeUpload(tok pdtoken.Token, tempPath, originalName string) (string, error) {
	target, ok := tok.Mounts.Lookup("~uploads")
	if !ok {
		cleanupTemp(tempPath)
		return "", pdataerr.New(pdataerr.PermissionDenied, "fileops.FinalizeUpload", "no uploads mount")
	}

	sanitized := sanitizeUploadName(originalName)
	ext := filepath.Ext(sanitized)
	rnd, err := randomHex6()
	if err != nil {
		cleanupTemp(tempPath)
		return "", pdataerr.Wrap(pdataerr.IoError, "fileops.FinalizeUpload", err)
	}
	name := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), rnd, ext)

	if err := os.MkdirAll(target, 0o755); err != nil {
		cleanupTemp(tempPath)
		return "", pdataerr.Wrap(pdataerr.IoError, "fileops.FinalizeUpload", err)
	}

	dest := filepath.Join(target, name)
	if err := os.Rename(tempPath, dest); err != nil {
		cleanupTemp(tempPath)
		return "", pdataerr.Wrap(pdataerr.IoError, "fileops.FinalizeUpload", err)
	}
	return "/uploads/" + name, nil
}

func cleanupTemp(tempPath string) {
	_ = os.Remove(tempPath)
}

func sanitizeUploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return sanitizeRe.ReplaceAllString(name, "_")
}

func randomHex6() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateSymlink implements create_symlink(token, link_vpath, target_vpath).
func (o *Ops) CreateSymlink(tok pdtoken.Token, linkVPath, targetVPath string) error {
	_, isAdmin := roleSet(tok.Roles)["admin"]
	if !isAdmin && filepath.IsAbs(targetVPath) && !strings.HasPrefix(targetVPath, "~") {
		return pdataerr.New(pdataerr.InvalidInput, "fileops.CreateSymlink", "absolute host path not allowed as target")
	}

	linkResolved, err := gate(tok, o.catalog, opWrite, linkVPath)
	if err != nil {
		return err
	}
	targetResolved, err := nspath.Resolve(tok.Mounts, defaultAlias(tok), targetVPath)
	if err != nil {
		return pdataerr.New(pdataerr.PermissionDenied, "fileops.CreateSymlink", "access denied")
	}

	fi, statErr := os.Lstat(linkResolved)
	switch {
	case statErr == nil && fi.IsDir():
		return pdataerr.New(pdataerr.AlreadyExists, "fileops.CreateSymlink", "link location is a directory")
	case statErr == nil:
		if err := os.Remove(linkResolved); err != nil {
			return pdataerr.Wrap(pdataerr.IoError, "fileops.CreateSymlink", err)
		}
	case !errors.Is(statErr, fs.ErrNotExist):
		return pdataerr.Wrap(pdataerr.IoError, "fileops.CreateSymlink", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(linkResolved), 0o755); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.CreateSymlink", err)
	}

	rel, err := filepath.Rel(filepath.Dir(linkResolved), targetResolved)
	if err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.CreateSymlink", err)
	}
	if err := os.Symlink(rel, linkResolved); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "fileops.CreateSymlink", err)
	}
	return nil
}

func roleSet(roles []string) map[string]struct{} {
	s := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// resolveSymlinkOneLevel reads the single link at resolved and returns its
// absolute target, without following further levels.
func resolveSymlinkOneLevel(resolved string) (string, bool) {
	dest, err := os.Readlink(resolved)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(resolved), dest)
	}
	return filepath.Clean(dest), true
}

// authorizeSymlinkTarget re-checks op against target's virtual path, mapped
// back through the mount table. A target that can't be mapped back into
// the namespace is denied unless permissive is set and op is read/list.
func authorizeSymlinkTarget(tok pdtoken.Token, catalog *capcat.Catalog, target, op string, permissive bool) (bool, string) {
	vpath, ok := hostToVirtual(target, tok.Mounts)
	if !ok {
		return permissive && (op == opRead || op == opList), ""
	}
	return capmatch.HasCap(tok.Caps, tok.Mounts, catalog, op, vpath), vpath
}

// atomicWriteFile writes data to path via a temp file, fsync, and rename,
// matching the atomic-rewrite discipline used elsewhere in this module for
// any file a concurrent reader might observe mid-write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pdata-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

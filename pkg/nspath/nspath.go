// Package nspath implements the PathResolver: translation of a virtual path
// (namespace-relative, possibly alias-rooted) into a vetted absolute host
// path using a session's mount table, rejecting every form of escape and any
// literal '~' that didn't originate from the mount table itself.
//
// The namespace model (alias-rooted virtual paths resolving through a
// per-session mount table) is inspired by Plan 9 namespaces, the same
// lineage the teacher project's pkg/nsrule package name gestures at,
// generalized here into an actual path-resolution mechanism rather than a
// request-tagging rule engine.
package nspath

import (
	"path"
	"strings"

	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdataerr"
)

// Resolve translates virtualPath into an absolute host path using mounts.
// defaultAlias is the caller's home alias, used two different ways
// depending on virtualPath's shape: for an empty/"."/"/" path, ~data is
// preferred over defaultAlias; for any other relative (non-"~"-rooted)
// path, defaultAlias is preferred over ~data.
func Resolve(mounts mount.Table, defaultAlias, virtualPath string) (string, error) {
	if err := validateStructure(virtualPath); err != nil {
		return "", err
	}

	norm := collapseSlashes(virtualPath)

	if norm == "" || norm == "." || norm == "/" {
		_, target, ok := mounts.DefaultAlias(defaultAlias)
		if !ok {
			return "", pdataerr.New(pdataerr.NotFound, "nspath.Resolve", "no mounts available")
		}
		return target, nil
	}

	if strings.HasPrefix(norm, "~") {
		// aliases themselves may contain '/' (e.g. "~/data/users/alice"),
		// so an exact match must be tried before splitting at the first
		// slash, and a prefix match must pick the longest matching alias.
		if target, ok := mounts.Lookup(norm); ok {
			return checkEscape(target, target)
		}

		var bestAlias, bestTarget string
		for _, alias := range mounts.Order() {
			if strings.HasPrefix(norm, alias+"/") && len(alias) > len(bestAlias) {
				if target, ok := mounts.Lookup(alias); ok {
					bestAlias, bestTarget = alias, target
				}
			}
		}
		if bestAlias == "" {
			return "", pdataerr.New(pdataerr.BadPath, "nspath.Resolve", "unknown mount alias")
		}
		rest := norm[len(bestAlias)+1:]
		result := path.Join(bestTarget, rest)
		return checkEscape(result, bestTarget)
	}

	// relative path: prepend the session's default alias and re-resolve.
	// Unlike the empty/"."/"/" case, a relative path prefers the caller's
	// home mount over the shared ~data mount.
	_, defTarget, ok := mounts.HomePreferredAlias(defaultAlias)
	if !ok {
		return "", pdataerr.New(pdataerr.NotFound, "nspath.Resolve", "no default mount available")
	}
	result := path.Join(defTarget, norm)
	return checkEscape(result, defTarget)
}

// validateStructure implements the ordered preconditions from spec.md §4.5:
// any failure returns BadPath immediately.
func validateStructure(p string) error {
	if strings.IndexByte(p, 0) >= 0 {
		return pdataerr.New(pdataerr.BadPath, "nspath.Resolve", "NUL byte in path")
	}
	if idx := strings.LastIndexByte(p, '~'); idx > 0 {
		return pdataerr.New(pdataerr.BadPath, "nspath.Resolve", "literal '~' outside of first position")
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		switch {
		case s == "..":
			return pdataerr.New(pdataerr.BadPath, "nspath.Resolve", "'..' segment")
		case strings.Contains(s, `..\`):
			return pdataerr.New(pdataerr.BadPath, "nspath.Resolve", `contains '..\'`)
		case s == "." && i > 0:
			return pdataerr.New(pdataerr.BadPath, "nspath.Resolve", "'.' segment after the first")
		}
	}
	return nil
}

// collapseSlashes collapses runs of '/' into a single '/', matching the
// preprocessing spec.md §4.5 explicitly permits before the
// consecutive-separator check.
func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	lastSlash := false
	for _, r := range p {
		if r == '/' {
			if lastSlash {
				continue
			}
			lastSlash = true
		} else {
			lastSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// checkEscape is the sole anti-escape invariant: path.Clean(result) must
// still have mountDir as a prefix.
func checkEscape(result, mountDir string) (string, error) {
	clean := path.Clean(result)
	mountClean := path.Clean(mountDir)
	if clean != mountClean && !strings.HasPrefix(clean, mountClean+"/") {
		return "", pdataerr.New(pdataerr.PermissionDenied, "nspath.Resolve", "path escapes mount")
	}
	return clean, nil
}

// SplitAlias splits a virtual path into its leading alias (if any) and the
// remainder at its first '/', without validating or resolving. It consults
// no mount table, so a multi-segment alias such as "~/data/users/alice"
// splits as "~" and "data/users/alice".
func SplitAlias(virtualPath string) (alias, rest string, hasAlias bool) {
	if !strings.HasPrefix(virtualPath, "~") {
		return "", virtualPath, false
	}
	a, r, _ := strings.Cut(virtualPath, "/")
	return a, r, true
}

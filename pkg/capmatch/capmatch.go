// Package capmatch implements the CapabilityMatcher: deciding whether a
// capability expression list grants a requested (operation, virtual path)
// pair, using a restricted glob grammar with asset-set indirection.
//
// Matching happens against virtual paths, not resolved host paths -- the
// namespace is the contract a token was granted, per spec.md's rationale
// for the design. Glob evaluation is delegated to doublestar, the same
// library canonical-snapd uses for its interface/slot connection globs.
package capmatch

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/r2northstar/pdata/pkg/capcat"
	"github.com/r2northstar/pdata/pkg/mount"
)

const assetPrefix = "@assets:"

// HasCap reports whether caps grants op over virtualPath, given the mount
// table used to expand leading aliases and the catalog used to resolve
// @assets: indirection. Matching is OR across caps; a single matching
// expression grants.
func HasCap(caps []string, mounts mount.Table, catalog *capcat.Catalog, op, virtualPath string) bool {
	for _, expr := range caps {
		capOp, capPattern, ok := splitExpr(expr)
		if !ok {
			continue
		}
		if !opMatches(op, capOp) {
			continue
		}
		if matchesOne(capPattern, mounts, catalog, virtualPath) {
			return true
		}
	}
	return false
}

func splitExpr(expr string) (op, pattern string, ok bool) {
	op, pattern, ok = strings.Cut(expr, ":")
	if !ok || op == "" || pattern == "" {
		return "", "", false
	}
	return op, pattern, true
}

// opMatches implements the single-character op match from spec.md §4.6:
// only the first byte of each side is significant, so "l" and "list" are
// identical, case-sensitively.
func opMatches(requested, capOp string) bool {
	if requested == "" || capOp == "" {
		return false
	}
	return requested[0] == capOp[0]
}

func matchesOne(capPattern string, mounts mount.Table, catalog *capcat.Catalog, virtualPath string) bool {
	globMatch := func(pattern, name string) bool {
		if strings.HasPrefix(pattern, "~") || strings.HasPrefix(name, "~") {
			return false
		}
		return globMatch(pattern, name)
	}
	if rest, ok := strings.CutPrefix(capPattern, assetPrefix); ok {
		if catalog == nil {
			return false
		}
		globs, ok := catalog.AssetGlobs(rest)
		if !ok {
			return false
		}
		for _, g := range globs {
			if globMatch(expandAlias(g, mounts), expandAlias(virtualPath, mounts)) {
				return true
			}
		}
		return false
	}
	return globMatch(expandAlias(capPattern, mounts), expandAlias(virtualPath, mounts))
}

// expandAlias textually substitutes a leading "~alias" (or "~alias/rest")
// with the mount table's target string for that alias, so that patterns
// and virtual paths are compared in the same address space. Aliases may
// themselves contain '/' (e.g. "~/data/users/alice"), so the longest
// mounted alias that prefixes virtualPath wins, mirroring nspath.Resolve.
// A path whose alias isn't mounted in this session is left untouched;
// matchesOne treats any operand still starting with "~" after expansion
// as a non-match.
func expandAlias(virtualPath string, mounts mount.Table) string {
	if !strings.HasPrefix(virtualPath, "~") {
		return virtualPath
	}
	if target, ok := mounts.Lookup(virtualPath); ok {
		return target
	}

	var bestAlias, bestTarget string
	for _, a := range mounts.Order() {
		if strings.HasPrefix(virtualPath, a+"/") && len(a) > len(bestAlias) {
			if target, ok := mounts.Lookup(a); ok {
				bestAlias, bestTarget = a, target
			}
		}
	}
	if bestAlias == "" {
		return virtualPath
	}
	return joinNonEmpty(bestTarget, virtualPath[len(bestAlias)+1:])
}

func joinNonEmpty(target, rest string) string {
	if rest == "" {
		return target
	}
	return strings.TrimSuffix(target, "/") + "/" + rest
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

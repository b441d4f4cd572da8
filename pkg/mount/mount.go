// Package mount implements the MountPlanner: given a user's role set, it
// builds the per-session mount table mapping Plan9-style namespace aliases
// (~data, ~system, ~/data/users/<u>, ...) to absolute host directories.
package mount

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// Table is an ordered alias -> absolute host directory mapping. Go maps
// don't preserve insertion order, so Table also tracks the order aliases
// were added, which matters for PathResolver's "first mount in a fixed
// order" fallback.
type Table struct {
	dirs  map[string]string
	order []string
}

// NewTable returns an empty mount table.
func NewTable() Table {
	return Table{dirs: map[string]string{}}
}

// Set adds or replaces alias -> target. Re-setting an existing alias keeps
// its original position in Order.
func (t *Table) Set(alias, target string) {
	if t.dirs == nil {
		t.dirs = map[string]string{}
	}
	if _, ok := t.dirs[alias]; !ok {
		t.order = append(t.order, alias)
	}
	t.dirs[alias] = target
}

// Lookup returns the absolute target directory for alias, if mounted.
func (t Table) Lookup(alias string) (string, bool) {
	v, ok := t.dirs[alias]
	return v, ok
}

// Order returns mounted aliases in the order they were added.
func (t Table) Order() []string {
	return append([]string(nil), t.order...)
}

// Len reports the number of mounted aliases.
func (t Table) Len() int { return len(t.dirs) }

// MarshalJSON emits the table as a plain {alias: target} object so it can be
// embedded in a signed token; JSON object key order for encoding/json maps
// is always lexicographic, which keeps token signatures reproducible.
func (t Table) MarshalJSON() ([]byte, error) {
	if t.dirs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.dirs)
}

// UnmarshalJSON restores a table from a {alias: target} object. Order is
// reconstructed by sorting aliases, which is deterministic but may not
// match the original minting order; PathResolver's "first mount" fallback
// only depends on ~data/home preference, not on exact historical order, so
// this is safe.
func (t *Table) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	aliases := make([]string, 0, len(m))
	for a := range m {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	*t = NewTable()
	for _, alias := range aliases {
		t.Set(alias, m[alias])
	}
	return nil
}

// DefaultAlias returns, in order: ~data if mounted, else homeAlias if
// mounted, else the first alias inserted. This implements PathResolver's
// fixed resolution order for empty/"."/"/" virtual paths, where ~data is
// preferred over the caller's home mount.
func (t Table) DefaultAlias(homeAlias string) (alias, target string, ok bool) {
	if v, ok := t.dirs["~data"]; ok {
		return "~data", v, true
	}
	if homeAlias != "" {
		if v, ok := t.dirs[homeAlias]; ok {
			return homeAlias, v, true
		}
	}
	for _, a := range t.order {
		return a, t.dirs[a], true
	}
	return "", "", false
}

// HomePreferredAlias returns, in order: homeAlias if mounted, else ~data if
// mounted, else the first alias inserted. This implements PathResolver's
// resolution order for relative (non-"~"-rooted) virtual paths, where the
// caller's home mount is preferred over the shared ~data mount -- the
// opposite preference from DefaultAlias.
func (t Table) HomePreferredAlias(homeAlias string) (alias, target string, ok bool) {
	if homeAlias != "" {
		if v, ok := t.dirs[homeAlias]; ok {
			return homeAlias, v, true
		}
	}
	if v, ok := t.dirs["~data"]; ok {
		return "~data", v, true
	}
	for _, a := range t.order {
		return a, t.dirs[a], true
	}
	return "", "", false
}

// Planner builds mount tables for users given their role set, rooted at a
// single database root directory.
type Planner struct {
	root string
}

// NewPlanner creates a Planner rooted at dbRoot (see spec.md §6 storage
// root layout: dbRoot/data, dbRoot/uploads, dbRoot/log, dbRoot/cache).
func NewPlanner(dbRoot string) *Planner {
	return &Planner{root: dbRoot}
}

// HomeAlias returns the conventional per-user or per-project home alias for
// username, used both by Plan and by PathResolver's default-alias fallback.
func HomeAlias(kind, username string) string {
	switch kind {
	case "project":
		return "~/data/projects/" + username
	default:
		return "~/data/users/" + username
	}
}

// Plan builds the mount table for username given its role set. Aliases
// whose target directory does not exist on disk are omitted. Non-admin
// roles never produce aliases that expose directories outside the user's
// own home (e.g. a plain "user" never gets ~system).
func (p *Planner) Plan(username string, roles map[string]struct{}) Table {
	t := NewTable()

	addIfExists := func(alias, rel string) {
		target := filepath.Join(p.root, rel)
		if dirExists(target) {
			t.Set(alias, target)
		}
	}

	if _, admin := roles["admin"]; admin {
		addIfExists("~data", "data")
		addIfExists("~system", ".")
		addIfExists("~log", "log")
		addIfExists("~cache", "cache")
		addIfExists("~uploads", "uploads")
		return t
	}

	if _, ok := roles["user"]; ok {
		addIfExists("~data", "data")
		addIfExists(HomeAlias("user", username), filepath.Join("data", "users", username))
	}
	if _, ok := roles["project"]; ok {
		addIfExists("~data", "data")
		addIfExists(HomeAlias("project", username), filepath.Join("data", "projects", username))
	}

	return t
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

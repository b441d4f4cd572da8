// Package capcat implements the CapabilityCatalog: the process-wide, CSV
// backed tables mapping roles to capability identifiers, capability
// identifiers to expressions, and asset-set names to glob lists.
//
// All three backing files are optional (a missing file yields an empty
// table), following the same tolerant-CSV-loading discipline as
// pkg/credstore and the teacher project's CSV handling.
package capcat

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/r2northstar/pdata/pkg/pdataerr"
)

const (
	rolesFile        = "roles.csv"
	capabilitiesFile = "capabilities.csv"
	assetsFile       = "assets.csv"
)

// CapDef is a single capability definition: a semicolon-joined expression
// list plus a human-readable description.
type CapDef struct {
	Expression  string
	Description string
}

// Catalog is a goroutine-safe, CSV-backed capability catalog.
type Catalog struct {
	root string
	log  zerolog.Logger

	mu           sync.RWMutex
	roleCaps     map[string][]string       // role -> ordered capability ids (or raw expressions)
	capabilities map[string]CapDef         // capability id -> definition
	assets       map[string][]string       // asset set name -> ordered globs
}

// Load reads the three catalog tables rooted at dir.
func Load(dir string, log zerolog.Logger) (*Catalog, error) {
	c := &Catalog{root: dir, log: log}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads all three tables from disk, replacing the in-memory
// catalog atomically. Used for SIGHUP-triggered config reloads.
func (c *Catalog) Reload() error {
	return c.reload()
}

func (c *Catalog) reload() error {
	roleCaps, err := loadRoleCaps(filepath.Join(c.root, rolesFile), c.log)
	if err != nil {
		return err
	}
	capabilities, err := loadCapabilities(filepath.Join(c.root, capabilitiesFile), c.log)
	if err != nil {
		return err
	}
	assets, err := loadAssets(filepath.Join(c.root, assetsFile), c.log)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.roleCaps, c.capabilities, c.assets = roleCaps, capabilities, assets
	c.mu.Unlock()
	return nil
}

func openCSV(name string) (*csv.Reader, func() error, error) {
	f, err := os.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return csv.NewReader(strings.NewReader("")), func() error { return nil }, nil
	}
	if err != nil {
		return nil, nil, pdataerr.Wrap(pdataerr.IoError, "capcat.Load", err)
	}
	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	return r, f.Close, nil
}

func loadRoleCaps(name string, log zerolog.Logger) (map[string][]string, error) {
	r, closeFn, err := openCSV(name)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	out := map[string][]string{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pdataerr.Wrap(pdataerr.IoError, "capcat.Load", err)
		}
		if len(rec) < 2 {
			log.Warn().Strs("record", rec).Msg("capcat: skipping malformed roles.csv line")
			continue
		}
		role := rec[0]
		for _, id := range rec[1:] {
			if id = strings.TrimSpace(id); id != "" {
				out[role] = append(out[role], id)
			}
		}
	}
	return out, nil
}

func loadCapabilities(name string, log zerolog.Logger) (map[string]CapDef, error) {
	r, closeFn, err := openCSV(name)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	out := map[string]CapDef{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pdataerr.Wrap(pdataerr.IoError, "capcat.Load", err)
		}
		if len(rec) < 2 {
			log.Warn().Strs("record", rec).Msg("capcat: skipping malformed capabilities.csv line")
			continue
		}
		def := CapDef{Expression: rec[1]}
		if len(rec) >= 3 {
			def.Description = rec[2]
		}
		out[rec[0]] = def // last write wins
	}
	return out, nil
}

func loadAssets(name string, log zerolog.Logger) (map[string][]string, error) {
	r, closeFn, err := openCSV(name)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	out := map[string][]string{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pdataerr.Wrap(pdataerr.IoError, "capcat.Load", err)
		}
		if len(rec) < 1 || rec[0] == "" {
			log.Warn().Strs("record", rec).Msg("capcat: skipping malformed assets.csv line")
			continue
		}
		var globs []string
		for _, g := range rec[1:] {
			if g != "" {
				globs = append(globs, g)
			}
		}
		out[rec[0]] = globs // last write wins
	}
	return out, nil
}

// Expand resolves roles to a deduplicated, first-occurrence-ordered list of
// capability expressions. Role capability identifiers that resolve in the
// capability table are split on ';'; identifiers that don't resolve are
// emitted verbatim, allowing ad-hoc raw expressions directly in roles.csv.
func (c *Catalog) Expand(roles map[string]struct{}) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// iterate roles in a stable order so Expand is deterministic even
	// though roles is a set.
	rs := make([]string, 0, len(roles))
	for r := range roles {
		rs = append(rs, r)
	}
	sort.Strings(rs)

	seen := map[string]struct{}{}
	var out []string
	emit := func(expr string) {
		if expr == "" {
			return
		}
		if _, ok := seen[expr]; ok {
			return
		}
		seen[expr] = struct{}{}
		out = append(out, expr)
	}

	for _, role := range rs {
		for _, id := range c.roleCaps[role] {
			if def, ok := c.capabilities[id]; ok {
				for _, part := range strings.Split(def.Expression, ";") {
					emit(strings.TrimSpace(part))
				}
			} else {
				emit(id)
			}
		}
	}
	return out
}

// AssetGlobs returns the ordered glob list for a named asset set.
func (c *Catalog) AssetGlobs(setName string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.assets[setName]
	return g, ok
}

// ListRoles returns every role name that has at least one capability
// mapping, sorted. Read-only introspection.
func (c *Catalog) ListRoles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.roleCaps))
	for r := range c.roleCaps {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Describe returns the expression and description for a capability id.
func (c *Catalog) Describe(capID string) (CapDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.capabilities[capID]
	return d, ok
}

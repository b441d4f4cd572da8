// Package credstore implements the append-only, CSV-backed credential and
// role store described by the PData core spec: salted PBKDF2-SHA512 password
// hashing, atomic whole-file rewrites on mutation, and in-memory rollback on
// I/O failure.
//
// The on-disk layout and atomic-rewrite discipline follow the same shape as
// Atlas's sqlite-backed account storage (db/atlasdb), adapted to flat CSV
// files since the spec calls for a CSV-backed table rather than a database.
package credstore

import (
	"bufio"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/r2northstar/pdata/pkg/pdataerr"
)

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32
	saltLen          = 16

	usersFile = "users.csv"
	rolesFile = "roles.csv"

	// DefaultRole is assigned to any user present in users.csv but absent
	// from roles.csv.
	DefaultRole = "user"
)

func newSHA512() hash.Hash { return sha512.New() }

type userRecord struct {
	Username string
	Salt     []byte
	Hash     []byte
}

// Store is a goroutine-safe, CSV-backed credential and role table. Every
// mutation takes an exclusive lock covering the in-memory update and the
// atomic file rewrite; reads take a shared lock.
type Store struct {
	root string
	log  zerolog.Logger

	mu    sync.RWMutex
	users map[string]userRecord   // username -> record
	roles map[string]map[string]struct{} // username -> role set
}

// Open loads (or initializes) a credential store rooted at dir, which must
// contain (or be allowed to contain) users.csv and roles.csv.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		root:  dir,
		log:   log,
		users: map[string]userRecord{},
		roles: map[string]map[string]struct{}{},
	}
	if err := s.loadUsers(); err != nil {
		return nil, err
	}
	if err := s.loadRoles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) usersPath() string { return filepath.Join(s.root, usersFile) }
func (s *Store) rolesPath() string { return filepath.Join(s.root, rolesFile) }

func (s *Store) loadUsers() error {
	f, err := openOrCreate(s.usersPath())
	if err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "credstore.Open", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	users := map[string]userRecord{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pdataerr.Wrap(pdataerr.IoError, "credstore.Open", err)
		}
		if len(rec) != 3 {
			s.log.Warn().Strs("record", append([]string(nil), rec...)).Msg("credstore: skipping malformed users.csv line")
			continue
		}
		username, saltHex, hashHex := rec[0], rec[1], rec[2]
		if saltHex == "" || hashHex == "" {
			s.log.Warn().Str("username", username).Msg("credstore: skipping entry with empty salt or hash")
			continue
		}
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			s.log.Warn().Str("username", username).Msg("credstore: skipping entry with invalid salt hex")
			continue
		}
		hash, err := hex.DecodeString(hashHex)
		if err != nil {
			s.log.Warn().Str("username", username).Msg("credstore: skipping entry with invalid hash hex")
			continue
		}
		users[username] = userRecord{Username: username, Salt: salt, Hash: hash} // last write wins
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

func (s *Store) loadRoles() error {
	f, err := openOrCreate(s.rolesPath())
	if err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "credstore.Open", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	roles := map[string]map[string]struct{}{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pdataerr.Wrap(pdataerr.IoError, "credstore.Open", err)
		}
		if len(rec) != 2 {
			s.log.Warn().Strs("record", append([]string(nil), rec...)).Msg("credstore: skipping malformed roles.csv line")
			continue
		}
		username, role := rec[0], rec[1]
		if roles[username] == nil {
			roles[username] = map[string]struct{}{}
		}
		roles[username][role] = struct{}{}
	}

	s.mu.Lock()
	s.roles = roles
	s.mu.Unlock()
	return nil
}

func openOrCreate(name string) (*os.File, error) {
	f, err := os.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		if f, err = os.OpenFile(name, os.O_CREATE|os.O_RDONLY, 0o600); err != nil {
			return nil, err
		}
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err != nil {
		f.Close()
		return nil, err
	} else if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s exists and is not a regular file", name)
	}
	return f, nil
}

// ValidUsername reports whether u is an acceptable username: non-empty, and
// free of ',', '/', '\\', "..", and a leading '.'.
func ValidUsername(u string) bool {
	if u == "" || strings.HasPrefix(u, ".") {
		return false
	}
	if strings.ContainsAny(u, ",/\\") {
		return false
	}
	if strings.Contains(u, "..") {
		return false
	}
	return true
}

// Validate reports whether password is correct for user.
func (s *Store) Validate(user, password string) bool {
	s.mu.RLock()
	rec, ok := s.users[user]
	s.mu.RUnlock()
	if !ok {
		// still derive a hash so the timing doesn't reveal whether the
		// username exists.
		pbkdf2.Key([]byte(password), make([]byte, saltLen), pbkdf2Iterations, pbkdf2KeyLen, newSHA512)
		return false
	}
	got := pbkdf2.Key([]byte(password), rec.Salt, pbkdf2Iterations, pbkdf2KeyLen, newSHA512)
	return subtle.ConstantTimeCompare(got, rec.Hash) == 1
}

// Add creates a new user with the given password and initial role.
func (s *Store) Add(user, password, role string) error {
	if !ValidUsername(user) || password == "" || role == "" {
		return pdataerr.New(pdataerr.InvalidInput, "credstore.Add", "invalid username, password, or role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user]; exists {
		return pdataerr.New(pdataerr.AlreadyExists, "credstore.Add", user)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "credstore.Add", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, newSHA512)

	snapshot := cloneUsers(s.users)
	s.users[user] = userRecord{Username: user, Salt: salt, Hash: hash}

	// additive: an append is sufficient and avoids a full rewrite.
	if err := s.appendUser(s.users[user]); err != nil {
		s.users = snapshot
		return pdataerr.Wrap(pdataerr.IoError, "credstore.Add", err)
	}

	if role != "" {
		rsnap := cloneRoles(s.roles)
		if s.roles[user] == nil {
			s.roles[user] = map[string]struct{}{}
		}
		s.roles[user][role] = struct{}{}
		if err := s.rewriteRolesLocked(); err != nil {
			s.roles = rsnap
			return pdataerr.Wrap(pdataerr.IoError, "credstore.Add", err)
		}
	}
	return nil
}

// Delete removes a user and all of their role assignments.
func (s *Store) Delete(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; !ok {
		return pdataerr.New(pdataerr.NotFound, "credstore.Delete", user)
	}

	usnap, rsnap := cloneUsers(s.users), cloneRoles(s.roles)
	delete(s.users, user)
	delete(s.roles, user)

	if err := s.rewriteUsersLocked(); err != nil {
		s.users, s.roles = usnap, rsnap
		return pdataerr.Wrap(pdataerr.IoError, "credstore.Delete", err)
	}
	if err := s.rewriteRolesLocked(); err != nil {
		s.users, s.roles = usnap, rsnap
		// users.csv was already rewritten without this user; since the
		// rollback can't un-rewrite that file, surface a conflict instead
		// of silently pretending the delete didn't happen.
		return pdataerr.Wrapf(pdataerr.Conflict, "credstore.Delete", "users.csv updated but roles.csv rewrite failed: %v", err)
	}
	return nil
}

// UpdatePassword changes a user's password.
func (s *Store) UpdatePassword(user, newPassword string) error {
	if newPassword == "" {
		return pdataerr.New(pdataerr.InvalidInput, "credstore.UpdatePassword", "empty password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; !ok {
		return pdataerr.New(pdataerr.NotFound, "credstore.UpdatePassword", user)
	}

	snapshot := cloneUsers(s.users)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return pdataerr.Wrap(pdataerr.IoError, "credstore.UpdatePassword", err)
	}
	hash := pbkdf2.Key([]byte(newPassword), salt, pbkdf2Iterations, pbkdf2KeyLen, newSHA512)
	s.users[user] = userRecord{Username: user, Salt: salt, Hash: hash}

	if err := s.rewriteUsersLocked(); err != nil {
		s.users = snapshot
		return pdataerr.Wrap(pdataerr.IoError, "credstore.UpdatePassword", err)
	}
	return nil
}

// SetRole grants role to user, creating the role assignment if absent.
func (s *Store) SetRole(user, role string) error {
	if role == "" {
		return pdataerr.New(pdataerr.InvalidInput, "credstore.SetRole", "empty role")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; !ok {
		return pdataerr.New(pdataerr.NotFound, "credstore.SetRole", user)
	}

	snapshot := cloneRoles(s.roles)
	if s.roles[user] == nil {
		s.roles[user] = map[string]struct{}{}
	}
	s.roles[user][role] = struct{}{}

	if err := s.rewriteRolesLocked(); err != nil {
		s.roles = snapshot
		return pdataerr.Wrap(pdataerr.IoError, "credstore.SetRole", err)
	}
	return nil
}

// UnsetRole revokes role from user.
func (s *Store) UnsetRole(user, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user]; !ok {
		return pdataerr.New(pdataerr.NotFound, "credstore.UnsetRole", user)
	}
	if s.roles[user] == nil {
		return nil
	}

	snapshot := cloneRoles(s.roles)
	delete(s.roles[user], role)

	if err := s.rewriteRolesLocked(); err != nil {
		s.roles = snapshot
		return pdataerr.Wrap(pdataerr.IoError, "credstore.UnsetRole", err)
	}
	return nil
}

// ListUsers returns every known username, sorted.
func (s *Store) ListUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// GetRoles returns the role set for user. Per spec, a user present in the
// credential table but absent from the role table defaults to {DefaultRole}.
func (s *Store) GetRoles(user string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.roles[user]; ok && len(rs) > 0 {
		return cloneRoleSet(rs)
	}
	if _, ok := s.users[user]; ok {
		return map[string]struct{}{DefaultRole: {}}
	}
	return nil
}

// --- atomic rewrite helpers -------------------------------------------------

func (s *Store) appendUser(u userRecord) error {
	f, err := os.OpenFile(s.usersPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf("%s,%s,%s\n", csvEscape(u.Username), hex.EncodeToString(u.Salt), hex.EncodeToString(u.Hash))
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) rewriteUsersLocked() error {
	usernames := make([]string, 0, len(s.users))
	for u := range s.users {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	var b strings.Builder
	for _, u := range usernames {
		rec := s.users[u]
		fmt.Fprintf(&b, "%s,%s,%s\n", csvEscape(rec.Username), hex.EncodeToString(rec.Salt), hex.EncodeToString(rec.Hash))
	}
	return atomicRewrite(s.usersPath(), b.String())
}

func (s *Store) rewriteRolesLocked() error {
	usernames := make([]string, 0, len(s.roles))
	for u := range s.roles {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	var b strings.Builder
	for _, u := range usernames {
		roles := make([]string, 0, len(s.roles[u]))
		for r := range s.roles[u] {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		for _, r := range roles {
			fmt.Fprintf(&b, "%s,%s\n", csvEscape(u), csvEscape(r))
		}
	}
	return atomicRewrite(s.rolesPath(), b.String())
}

// atomicRewrite writes content to a sibling temp file, fsyncs it, gzip-backs
// up whatever name currently holds (if anything), and renames the temp file
// over name.
func atomicRewrite(name, content string) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.WriteString(content); err != nil {
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
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := gzipBackup(name); err != nil {
		return fmt.Errorf("back up %s: %w", filepath.Base(name), err)
	}
	return os.Rename(tmpName, name)
}

// gzipBackup preserves name's current contents, if it exists, as a
// gzip-compressed numbered backup alongside it (e.g. users.csv.3.gz) before
// the caller overwrites name. A missing name is not an error: the first
// rewrite of a fresh store has nothing to back up.
func gzipBackup(name string) error {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	n, err := nextBackupNumber(name)
	if err != nil {
		return err
	}
	backupName := fmt.Sprintf("%s.%d.gz", name, n)

	f, err := os.OpenFile(backupName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// nextBackupNumber returns the next unused backup suffix for name, i.e. one
// past the highest existing name.<n>.gz.
func nextBackupNumber(name string) (int, error) {
	matches, err := filepath.Glob(name + ".*.gz")
	if err != nil {
		return 0, err
	}
	max := 0
	for _, m := range matches {
		s := strings.TrimPrefix(m, name+".")
		s = strings.TrimSuffix(s, ".gz")
		if n, err := strconv.Atoi(s); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func csvEscape(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func cloneUsers(m map[string]userRecord) map[string]userRecord {
	out := make(map[string]userRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRoleSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func cloneRoles(m map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for k, v := range m {
		out[k] = cloneRoleSet(v)
	}
	return out
}

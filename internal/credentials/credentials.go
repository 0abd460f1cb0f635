// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package credentials manages the JSON user file used for basic auth and
// role lookup.
package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// DefaultRole is assigned when a user is created without a role.
const DefaultRole = "user"

// Entry is the stored record of one user.
type Entry struct {
	Password string `json:"password"`
	UserType string `json:"user_type"`
}

// User is a username with its role, as returned by List.
type User struct {
	Username string
	Role     string
}

// Store reads and writes the credential file at a fixed path. Writers within
// one process are serialized; concurrent writers in other processes are not
// coordinated.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store backed by path. The file need not exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// HashPassword returns the lowercase hex SHA-256 digest of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Load reads the whole file. A missing file is an empty mapping.
func (s *Store) Load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCredentialsReadFailure, "reading credentials", pserr.Field("path", s.path))
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]Entry{}, nil
	}

	users := map[string]Entry{}
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, pserr.Wrap(err, pserr.CodeCredentialsParseInvalid, "parsing credentials", pserr.Field("path", s.path))
	}
	return users, nil
}

// Upsert creates or replaces username and rewrites the file.
func (s *Store) Upsert(username, password, role string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return pserr.New(pserr.CodeCredentialsInvalidInput, "username must not be empty")
	}
	if password == "" {
		return pserr.New(pserr.CodeCredentialsInvalidInput, "password must not be empty", pserr.FieldUsername(username))
	}
	role = strings.TrimSpace(role)
	if role == "" {
		role = DefaultRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.Load()
	if err != nil {
		return err
	}
	users[username] = Entry{Password: HashPassword(password), UserType: role}
	return s.write(users)
}

// write replaces the file atomically with users, indented by four spaces.
func (s *Store) write(users map[string]Entry) error {
	data, err := json.MarshalIndent(users, "", "    ")
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "encoding credentials")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "creating credentials directory", pserr.Field("path", dir))
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "creating temp file", pserr.Field("path", dir))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "writing credentials")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "setting credentials mode")
	}
	if err := tmp.Close(); err != nil {
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "closing credentials")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return pserr.Wrap(err, pserr.CodeCredentialsWriteFailure, "replacing credentials", pserr.Field("path", s.path))
	}
	return nil
}

// dummyHash keeps the comparison cost equal for unknown users.
var dummyHash = HashPassword("partscout-unknown-user")

// Authenticate returns the stored role when password matches.
func (s *Store) Authenticate(username, password string) (string, error) {
	users, err := s.Load()
	if err != nil {
		return "", err
	}

	entry, ok := users[username]
	want := dummyHash
	if ok {
		want = strings.ToLower(entry.Password)
	}
	match := subtle.ConstantTimeCompare([]byte(want), []byte(HashPassword(password))) == 1
	if !ok || !match {
		return "", pserr.New(pserr.CodeCredentialsUnauthorized, "invalid username or password", pserr.FieldUsername(username))
	}
	return entry.UserType, nil
}

// List returns every user sorted by name.
func (s *Store) List() ([]User, error) {
	users, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := lo.MapToSlice(users, func(name string, e Entry) User {
		return User{Username: name, Role: e.UserType}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// bcryptCost matches the default cost; raising it slows logins linearly.
const bcryptCost = bcrypt.DefaultCost

// User is one local account in the users file.
type User struct {
	PasswordHash string    `yaml:"password_hash"`
	Admin        bool      `yaml:"admin,omitempty"`
	CreatedAt    time.Time `yaml:"created_at,omitempty"`
}

// UsersFile is the on-disk local user database.
type UsersFile struct {
	Users map[string]User `yaml:"users"`
}

// LoadUsers reads the local users file. A missing file yields an empty
// set rather than an error so `hutch user add` can bootstrap it.
func LoadUsers(path string) (*UsersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UsersFile{Users: make(map[string]User)}, nil
		}
		return nil, fmt.Errorf("failed to read users file %s: %w", path, err)
	}

	var uf UsersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}
	if uf.Users == nil {
		uf.Users = make(map[string]User)
	}
	return &uf, nil
}

// Save writes the users file atomically (write to temp, rename).
func (uf *UsersFile) Save(path string) error {
	data, err := yaml.Marshal(uf)
	if err != nil {
		return fmt.Errorf("failed to marshal users file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// SetPassword adds or updates a user with a bcrypt hash of password.
func (uf *UsersFile) SetPassword(username, password string, admin bool) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	u := uf.Users[username]
	u.PasswordHash = string(hash)
	u.Admin = admin
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	uf.Users[username] = u
	return nil
}

// Delete removes a user. It reports whether the user existed.
func (uf *UsersFile) Delete(username string) bool {
	_, ok := uf.Users[username]
	delete(uf.Users, username)
	return ok
}

// Names returns the usernames sorted for stable CLI output.
func (uf *UsersFile) Names() []string {
	names := make([]string, 0, len(uf.Users))
	for name := range uf.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

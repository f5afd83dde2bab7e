// Package store implements the JSON-backed, read-copy-update persistence
// layer for local users, folders, and external registries (the persisted
// state layout).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/portalcrane/portalcrane/pkg/model"
)

func atomicWriteJSON(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: encoding %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// UserStore persists LocalUser records in local_users.json.
type UserStore struct {
	mu    sync.RWMutex
	path  string
	users []model.LocalUser
}

// NewUserStore loads path (creating an empty store if it does not exist).
func NewUserStore(dataDir string) (*UserStore, error) {
	s := &UserStore{path: filepath.Join(dataDir, "local_users.json")}
	if err := readJSON(s.path, &s.users); err != nil {
		return nil, err
	}
	return s, nil
}

// FindUser implements auth.UserStore.
func (s *UserStore) FindUser(username string) (model.LocalUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, true
		}
	}
	return model.LocalUser{}, false
}

// List returns a snapshot copy of all users.
func (s *UserStore) List() []model.LocalUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.LocalUser, len(s.users))
	copy(out, s.users)
	return out
}

// Create adds a new user, rejecting duplicate usernames.
func (s *UserStore) Create(u model.LocalUser) (model.LocalUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return model.LocalUser{}, fmt.Errorf("user %q already exists", u.Username)
		}
	}
	u.ID = uuid.NewString()
	s.users = append(s.users, u)
	return u, atomicWriteJSON(s.path, s.users)
}

// Delete removes a user by id.
func (s *UserStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.ID == id {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return atomicWriteJSON(s.path, s.users)
		}
	}
	return fmt.Errorf("user %q not found", id)
}

// FolderStore persists Folder records in folders.json.
type FolderStore struct {
	mu      sync.RWMutex
	path    string
	folders []model.Folder
}

// NewFolderStore loads path (creating an empty store if it does not exist).
func NewFolderStore(dataDir string) (*FolderStore, error) {
	s := &FolderStore{path: filepath.Join(dataDir, "folders.json")}
	if err := readJSON(s.path, &s.folders); err != nil {
		return nil, err
	}
	return s, nil
}

// FolderForPath implements auth.FolderStore: a folder matches when its name
// equals the first path segment of imagePath.
func (s *FolderStore) FolderForPath(imagePath string) (model.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	first := imagePath
	for i, r := range imagePath {
		if r == '/' {
			first = imagePath[:i]
			break
		}
	}
	for _, f := range s.folders {
		if f.Name == first {
			return f, true
		}
	}
	return model.Folder{}, false
}

// List returns a snapshot copy of all folders.
func (s *FolderStore) List() []model.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Folder, len(s.folders))
	copy(out, s.folders)
	return out
}

// Create adds a new folder, rejecting duplicate names.
func (s *FolderStore) Create(f model.Folder) (model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.folders {
		if existing.Name == f.Name {
			return model.Folder{}, fmt.Errorf("folder %q already exists", f.Name)
		}
	}
	f.ID = uuid.NewString()
	s.folders = append(s.folders, f)
	return f, atomicWriteJSON(s.path, s.folders)
}

// SetPermission upserts a per-user permission entry on folder id.
func (s *FolderStore) SetPermission(id string, perm model.FolderPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.folders {
		if f.ID != id {
			continue
		}
		replaced := false
		for j, p := range f.Permissions {
			if p.Username == perm.Username {
				s.folders[i].Permissions[j] = perm
				replaced = true
				break
			}
		}
		if !replaced {
			s.folders[i].Permissions = append(s.folders[i].Permissions, perm)
		}
		return atomicWriteJSON(s.path, s.folders)
	}
	return fmt.Errorf("folder %q not found", id)
}

// RegistryStore persists ExternalRegistry records in external_registries.json.
type RegistryStore struct {
	mu        sync.RWMutex
	path      string
	registries []model.ExternalRegistry
}

// NewRegistryStore loads path (creating an empty store if it does not exist).
func NewRegistryStore(dataDir string) (*RegistryStore, error) {
	s := &RegistryStore{path: filepath.Join(dataDir, "external_registries.json")}
	if err := readJSON(s.path, &s.registries); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns a redacted snapshot of all registries, safe to serialize to callers.
func (s *RegistryStore) List() []model.ExternalRegistry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExternalRegistry, len(s.registries))
	for i, r := range s.registries {
		out[i] = r.Redacted()
	}
	return out
}

// Get returns the unredacted registry by id, for internal use (e.g. building
// --dest-creds for skopeo).
func (s *RegistryStore) Get(id string) (model.ExternalRegistry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.registries {
		if r.ID == id {
			return r, true
		}
	}
	return model.ExternalRegistry{}, false
}

// Create adds a new external registry.
func (s *RegistryStore) Create(r model.ExternalRegistry) (model.ExternalRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.NewString()
	s.registries = append(s.registries, r)
	if err := atomicWriteJSON(s.path, s.registries); err != nil {
		return model.ExternalRegistry{}, err
	}
	return r.Redacted(), nil
}

// Delete removes an external registry by id.
func (s *RegistryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.registries {
		if r.ID == id {
			s.registries = append(s.registries[:i], s.registries[i+1:]...)
			return atomicWriteJSON(s.path, s.registries)
		}
	}
	return fmt.Errorf("registry %q not found", id)
}

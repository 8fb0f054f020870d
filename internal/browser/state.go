package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoStorageState is returned when no captured session exists for a tenant.
var ErrNoStorageState = errors.New("no storage state")

// StorageState is a captured login, in the layout Playwright writes with
// context.storageState().
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is one browser cookie. Expires is seconds since the epoch, -1 for a
// session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin holds the local storage of one origin.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseStorageState decodes a storage state file. A state with neither
// cookies nor local storage is rejected since it cannot carry a login.
func ParseStorageState(data []byte) (*StorageState, error) {
	var st StorageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode storage state: %w", err)
	}
	if len(st.Cookies) == 0 && len(st.Origins) == 0 {
		return nil, errors.New("storage state is empty")
	}
	for i, c := range st.Cookies {
		if c.Name == "" || c.Domain == "" {
			return nil, fmt.Errorf("cookie %d: name and domain are required", i)
		}
	}
	for i, o := range st.Origins {
		if !strings.HasPrefix(o.Origin, "http://") && !strings.HasPrefix(o.Origin, "https://") {
			return nil, fmt.Errorf("origin %d: %q is not an http(s) origin", i, o.Origin)
		}
	}
	return &st, nil
}

// StateStore loads the captured storage state of a company on a platform.
type StateStore interface {
	// Load returns the state and a reference to where it came from.
	// Returns ErrNoStorageState when nothing was captured.
	Load(ctx context.Context, companyKey, platformID string) (*StorageState, string, error)
}

// FileStateStore reads states from <Dir>/<company_key>/<platform_id>.json.
type FileStateStore struct {
	Dir string
}

func NewFileStateStore(dir string) *FileStateStore {
	return &FileStateStore{Dir: dir}
}

func (s *FileStateStore) Load(ctx context.Context, companyKey, platformID string) (*StorageState, string, error) {
	if err := checkPathPart(companyKey); err != nil {
		return nil, "", fmt.Errorf("company_key: %w", err)
	}
	if err := checkPathPart(platformID); err != nil {
		return nil, "", fmt.Errorf("platform_id: %w", err)
	}

	path := filepath.Join(s.Dir, companyKey, platformID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNoStorageState
	}
	if err != nil {
		return nil, "", fmt.Errorf("read storage state: %w", err)
	}

	st, err := ParseStorageState(data)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return st, path, nil
}

func checkPathPart(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid path component %q", s)
	}
	return nil
}

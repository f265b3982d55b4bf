// Package localstate persists client-side markers outside the store: one
// session marker per tenant, the last selected tenant and the device token
// used for push registration.
package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/livechat/internal/errs"
	"github.com/gofrs/uuid/v5"
)

// DefaultDir returns $XDG_CONFIG_HOME/livechat or ~/.config/livechat.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "livechat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "livechat")
}

// Dir stores markers as files under a directory.
type Dir struct{ root string }

// New returns a Dir rooted at root.
func New(root string) *Dir { return &Dir{root: root} }

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

type marker struct {
	Username string `json:"username"`
}

func checkTenant(tenant string) error {
	if tenant == "" || strings.ContainsAny(tenant, `/\`) || tenant == "." || tenant == ".." {
		return fmt.Errorf("tenant %q: %w", tenant, errs.ErrInvalidInput)
	}
	return nil
}

func (d *Dir) markerPath(tenant string) string {
	return filepath.Join(d.root, "session_"+tenant+".json")
}

func (d *Dir) write(name string, data []byte) error {
	if err := os.MkdirAll(d.root, 0o700); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// LoadMarker returns the username remembered for tenant, or errs.ErrNotFound.
func (d *Dir) LoadMarker(tenant string) (string, error) {
	if err := checkTenant(tenant); err != nil {
		return "", err
	}
	b, err := os.ReadFile(d.markerPath(tenant))
	if errors.Is(err, fs.ErrNotExist) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	var m marker
	if err := json.Unmarshal(b, &m); err != nil || m.Username == "" {
		return "", fmt.Errorf("corrupt session marker: %w", errs.ErrNotFound)
	}
	return m.Username, nil
}

// SaveMarker remembers username for tenant.
func (d *Dir) SaveMarker(tenant, username string) error {
	if err := checkTenant(tenant); err != nil {
		return err
	}
	b, err := json.Marshal(marker{Username: username})
	if err != nil {
		return err
	}
	return d.write(d.markerPath(tenant), b)
}

// ClearMarker forgets the session marker of tenant. Missing markers are fine.
func (d *Dir) ClearMarker(tenant string) error {
	if err := checkTenant(tenant); err != nil {
		return err
	}
	if err := os.Remove(d.markerPath(tenant)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadTenant returns the last selected tenant, or errs.ErrNotFound.
func (d *Dir) LoadTenant() (string, error) {
	b, err := os.ReadFile(filepath.Join(d.root, "selected_tenant"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	t := strings.TrimSpace(string(b))
	if t == "" {
		return "", errs.ErrNotFound
	}
	return t, nil
}

// SaveTenant remembers the selected tenant.
func (d *Dir) SaveTenant(tenant string) error {
	if err := checkTenant(tenant); err != nil {
		return err
	}
	return d.write(filepath.Join(d.root, "selected_tenant"), []byte(tenant))
}

// DeviceToken returns the token identifying this installation, creating it on
// first use.
func (d *Dir) DeviceToken() (string, error) {
	name := filepath.Join(d.root, "device_token")
	b, err := os.ReadFile(name)
	if err == nil {
		if t := strings.TrimSpace(string(b)); t != "" {
			return t, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if err := d.write(name, []byte(id.String())); err != nil {
		return "", err
	}
	return id.String(), nil
}

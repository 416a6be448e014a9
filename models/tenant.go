package models

import "path/filepath"

// Ownership is the OS-level owner applied to files written for a tenant.
type Ownership struct {
	UID int
	GID int
}

// Tenant is one authorized user with an isolated output directory.
// OutputDir always ends with a path separator.
type Tenant struct {
	Username  string
	Token     string
	OutputDir string
	Owner     *Ownership
}

// Path joins name onto the tenant's output directory.
func (t Tenant) Path(name string) string {
	return filepath.Join(t.OutputDir, name)
}

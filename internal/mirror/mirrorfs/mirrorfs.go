// Package mirrorfs gives tenant-scoped access to the mirror directory.
//
// Every tenant owns the subtree <root>/<tenant>. Relative paths handed to a
// Root are slash separated and are rejected with ErrPathTraversal if they
// would leave the tenant's subtree. Writes go through AtomicWrite, which
// writes a "<path>.tmp.<pid>" file and renames it over the target so that
// readers and the watcher never see a half-written file.
package mirrorfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MetaFileName is the per-tenant sync metadata side-car.
const MetaFileName = ".skb-meta.json"

var (
	// ErrPathTraversal is returned when a path resolves outside the tenant root.
	ErrPathTraversal = errors.New("path escapes tenant root")
	// ErrInvalidTenant is returned for tenant ids that are not a single safe
	// path segment.
	ErrInvalidTenant = errors.New("invalid tenant id")
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// Root is the mirror root directory.
type Root struct {
	dir string
}

// New returns a Root for dir. The directory does not have to exist yet.
func New(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("mirror root cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mirror root %s: %w", dir, err)
	}
	return &Root{dir: filepath.Clean(abs)}, nil
}

// Dir returns the absolute mirror root.
func (r *Root) Dir() string {
	return r.dir
}

// ValidTenant reports whether tenant can be used as a directory name.
func ValidTenant(tenant string) bool {
	return tenantPattern.MatchString(tenant)
}

// TenantDir returns the absolute directory of a tenant.
func (r *Root) TenantDir(tenant string) (string, error) {
	if !ValidTenant(tenant) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return filepath.Join(r.dir, tenant), nil
}

// MetaPath returns the absolute path of the tenant's metadata side-car.
func (r *Root) MetaPath(tenant string) (string, error) {
	dir, err := r.TenantDir(tenant)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, MetaFileName), nil
}

// Resolve turns a slash-separated path relative to the tenant root into an
// absolute path.
func (r *Root) Resolve(tenant, rel string) (string, error) {
	base, err := r.TenantDir(tenant)
	if err != nil {
		return "", err
	}
	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || filepath.VolumeName(native) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	abs := filepath.Join(base, native)
	if !within(base, abs) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return abs, nil
}

// Rel returns the slash-separated path of abs relative to the tenant root.
func (r *Root) Rel(tenant, abs string) (string, error) {
	base, err := r.TenantDir(tenant)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	if !within(base, abs) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, abs)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

// TenantOf returns the tenant whose subtree holds abs.
func (r *Root) TenantOf(abs string) (string, bool) {
	rel, err := filepath.Rel(r.dir, filepath.Clean(abs))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	tenant, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if !ValidTenant(tenant) {
		return "", false
	}
	return tenant, true
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// AtomicWrite writes data to path through a temp file and a rename. Parent
// directories are created as needed.
func AtomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

var tempSuffix = regexp.MustCompile(`\.tmp\.\d+$`)

// IsTempFile reports whether name is an in-flight atomic write.
func IsTempFile(name string) bool {
	return tempSuffix.MatchString(name)
}

// IsMetaFile reports whether name is the metadata side-car.
func IsMetaFile(name string) bool {
	return filepath.Base(name) == MetaFileName
}

// conflictName matches "<base>.conflict.<stamp>[-N][<ext>]".
var conflictName = regexp.MustCompile(`.\.conflict\.\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-\d{3}Z(?:-\d+)?(?:\.[^.]*)?$`)

// IsConflictFile reports whether name is a conflict backup.
func IsConflictFile(name string) bool {
	return conflictName.MatchString(filepath.Base(name))
}

// IsHidden reports whether the base name of p is a dotfile.
func IsHidden(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".")
}

// ShouldIgnore reports whether a file must be left out of listings and
// watch events.
func ShouldIgnore(p string) bool {
	return IsHidden(p) || IsTempFile(p) || IsMetaFile(p) || IsConflictFile(p)
}

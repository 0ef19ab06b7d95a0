package update

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// SemverDryRun is the default compatibility check. It requires a valid
// semantic version that is newer than the active one (when the active
// version is itself a valid semver) and a non-empty file set.
type SemverDryRun struct {
	// AllowDowngrade accepts versions not newer than the active one.
	AllowDowngrade bool
}

// Test implements domain.DryRunTester. It never mutates anything.
func (d SemverDryRun) Test(_ context.Context, desc domain.UpdateDescriptor, current domain.VersionInfo) error {
	next, err := semver.NewVersion(desc.Version)
	if err != nil {
		return fmt.Errorf("%w: invalid version %q: %v", ErrDryRunFailed, desc.Version, err)
	}

	files := bytes.TrimSpace(desc.Files)
	if len(files) == 0 || bytes.Equal(files, []byte("null")) {
		return fmt.Errorf("%w: update carries no files", ErrDryRunFailed)
	}

	if d.AllowDowngrade {
		return nil
	}
	active, err := semver.NewVersion(current.Active)
	if err != nil {
		// Unknown or non-semver active version, nothing to compare against
		return nil
	}
	if !next.GreaterThan(active) {
		return fmt.Errorf("%w: %s is not newer than active %s", ErrDryRunFailed, next, active)
	}
	return nil
}

// DryRunFunc adapts a function to domain.DryRunTester.
type DryRunFunc func(ctx context.Context, desc domain.UpdateDescriptor, current domain.VersionInfo) error

// Test implements domain.DryRunTester.
func (f DryRunFunc) Test(ctx context.Context, desc domain.UpdateDescriptor, current domain.VersionInfo) error {
	return f(ctx, desc, current)
}

var (
	_ domain.DryRunTester = SemverDryRun{}
	_ domain.DryRunTester = DryRunFunc(nil)
)

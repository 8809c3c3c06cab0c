package backup

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/syncd/internal/ir"
)

// IsCompatible reports whether an archive written by engine version v can
// be restored by this engine. The check is a caret constraint on the
// running version: for 0.x releases only patch versions may differ.
func IsCompatible(v string) (bool, error) {
	constraint, err := semver.NewConstraint("^" + ir.EngineVersion)
	if err != nil {
		return false, fmt.Errorf("invalid engine version: %w", err)
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return false, fmt.Errorf("invalid archive version %q: %w", v, err)
	}
	return constraint.Check(ver), nil
}

// CheckCompatible is IsCompatible as an error.
func CheckCompatible(v string) error {
	ok, err := IsCompatible(v)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if !ok {
		return fmt.Errorf("backup: archive from engine %s is not compatible with %s", v, ir.EngineVersion)
	}
	return nil
}

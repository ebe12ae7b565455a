// Package cgversion provides strict semantic-version ordering for bot
// image versions.
package cgversion

import (
	"fmt"

	"github.com/Masterminds/semver"
)

// Outdated reports whether botVersion is strictly older than controllerVersion
// under SemVer ordering. Both strings must parse as valid SemVer; an invalid
// string is an operational configuration error, not a silent false.
func Outdated(botVersion, controllerVersion string) (bool, error) {
	bv, err := semver.NewVersion(botVersion)
	if err != nil {
		return false, fmt.Errorf("parsing bot version %q: %w", botVersion, err)
	}
	cv, err := semver.NewVersion(controllerVersion)
	if err != nil {
		return false, fmt.Errorf("parsing controller version %q: %w", controllerVersion, err)
	}
	return bv.LessThan(cv), nil
}

// Validate checks that s is a well-formed SemVer string.
func Validate(s string) error {
	_, err := semver.NewVersion(s)
	return err
}

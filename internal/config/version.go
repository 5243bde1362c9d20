package config

import "fmt"

// CurrentVersion is the configuration format this build reads. A missing
// version is treated as current.
const CurrentVersion = 1

// VersionError reports a configuration file written for another format.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
}

// ValidateVersion ensures version is supported.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}

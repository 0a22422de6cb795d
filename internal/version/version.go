// Package version formats the instrumentation version string attached to
// OpenTelemetry tracers created across the module.
package version

import "fmt"

// Version is a simple major-version counter with pre-release qualifiers,
// used only to stamp trace.WithInstrumentationVersion calls.
type Version struct {
	major int
}

// New returns a Version for the given major revision.
func New(major int) Version {
	return Version{major: major}
}

// Alpha formats the version as an alpha pre-release, e.g. "0.1-alpha".
func (v Version) Alpha(n int) string {
	return fmt.Sprintf("%d.%d-alpha", v.major, n)
}

// String formats the version as a plain dotted string.
func (v Version) String() string {
	return fmt.Sprintf("%d.0", v.major)
}

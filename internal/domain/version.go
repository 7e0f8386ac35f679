package domain

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/codefionn/hostlink/internal/protocol"
)

// ParseVersion parses a "major.minor" (or full semver) version string into a
// domain version. Patch levels and prerelease tags are accepted on input but
// not represented; the wire contract only carries major and minor.
func ParseVersion(s string) (*protocol.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid domain version %q: %w", s, err)
	}
	return &protocol.Version{Major: int(v.Major()), Minor: int(v.Minor())}, nil
}

// MustParseVersion is ParseVersion for statically-known version literals
func MustParseVersion(s string) *protocol.Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Package update describes system updates offered to the appliance.
package update

import (
	"fmt"
	"strconv"
)

// Type is the kind of system update. Its numeric values are part of the
// checkForUpdates wire contract.
type Type uint16

const (
	None Type = iota
	Incremental
	Recovery
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Incremental:
		return "incremental"
	case Recovery:
		return "recovery"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType accepts either the name or the numeric value of a type.
func ParseType(s string) (Type, error) {
	switch s {
	case "incremental", "update":
		return Incremental, nil
	case "recovery":
		return Recovery, nil
	case "none", "":
		return None, nil
	}

	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || Type(n) > Recovery {
		return None, fmt.Errorf("unknown update type %q", s)
	}

	return Type(n), nil
}

// SystemUpdate is an immutable description of one available update. The
// zero value means "no update".
type SystemUpdate struct {
	Type         Type
	Version      string
	DownloadSize int64
	Checksum     string
	Metadata     map[string]interface{}
}

func (u SystemUpdate) IsValid() bool {
	return u.Type != None && u.Version != ""
}

// NewerThan reports whether u is valid and strictly newer than version.
func (u SystemUpdate) NewerThan(version string) bool {
	if !u.IsValid() {
		return false
	}

	c, err := CompareVersions(u.Version, version)
	if err != nil {
		return false
	}

	return c > 0
}

// NewerThanUpdate reports whether u is valid and strictly newer than
// other. Any valid update is newer than an invalid one.
func (u SystemUpdate) NewerThanUpdate(other SystemUpdate) bool {
	if !u.IsValid() {
		return false
	}

	if !other.IsValid() {
		return true
	}

	return u.NewerThan(other.Version)
}

// Equal compares the identifying fields of two updates.
func (u SystemUpdate) Equal(other SystemUpdate) bool {
	return u.Type == other.Type &&
		u.Version == other.Version &&
		u.DownloadSize == other.DownloadSize &&
		u.Checksum == other.Checksum
}

// MetadataString returns a string field of the source metadata.
func (u SystemUpdate) MetadataString(key string) string {
	if u.Metadata == nil {
		return ""
	}

	s, _ := u.Metadata[key].(string)

	return s
}

func (u SystemUpdate) String() string {
	if !u.IsValid() {
		return "no update"
	}

	return fmt.Sprintf("%s update %s", u.Type, u.Version)
}

package update

import (
	"encoding/json"

	"github.com/go-errors/errors"
)

const (
	artifactUpdate   = "update"
	artifactRecovery = "recovery"
)

// wireUpdate is the image store representation of an update.
type wireUpdate struct {
	ArtifactType string `json:"artifact_type"`
	Version      string `json:"version"`
	DownloadSize int64  `json:"download_size"`
	Checksum     string `json:"checksum"`
}

// ArtifactType maps the update type to the artifact name used by image
// stores.
func (t Type) ArtifactType() string {
	switch t {
	case Incremental:
		return artifactUpdate
	case Recovery:
		return artifactRecovery
	default:
		return ""
	}
}

// FromJSON parses image store metadata. The complete object is retained as
// the update's metadata.
func FromJSON(data []byte) (SystemUpdate, error) {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return SystemUpdate{}, errors.Errorf("could not parse update metadata: %v", err)
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return SystemUpdate{}, errors.Errorf("could not parse update metadata: %v", err)
	}

	u := SystemUpdate{
		Version:      w.Version,
		DownloadSize: w.DownloadSize,
		Checksum:     w.Checksum,
		Metadata:     metadata,
	}

	switch w.ArtifactType {
	case artifactUpdate:
		u.Type = Incremental
	case artifactRecovery:
		u.Type = Recovery
	default:
		return SystemUpdate{}, errors.Errorf("unknown artifact type %q", w.ArtifactType)
	}

	if w.Version == "" {
		return SystemUpdate{}, errors.New("update metadata without version")
	}

	return u, nil
}

// MarshalJSON writes the update in its wire form. An invalid update is
// written as an empty object.
func (u SystemUpdate) MarshalJSON() ([]byte, error) {
	if !u.IsValid() {
		return []byte("{}"), nil
	}

	return json.Marshal(wireUpdate{
		ArtifactType: u.Type.ArtifactType(),
		Version:      u.Version,
		DownloadSize: u.DownloadSize,
		Checksum:     u.Checksum,
	})
}

func (u *SystemUpdate) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if len(probe) == 0 {
		*u = SystemUpdate{}
		return nil
	}

	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}

	*u = parsed

	return nil
}

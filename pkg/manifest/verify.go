package manifest

import (
	"errors"
	"io/fs"

	"github.com/agendaterritorial/agenda/pkg/hashing"
)

// DriftStatus describes how an artifact differs from its latest record.
type DriftStatus string

const (
	DriftMissing  DriftStatus = "missing"
	DriftModified DriftStatus = "modified"
)

// Drift is one artifact whose current content no longer matches its latest
// manifest record.
type Drift struct {
	Artifact string      `json:"artifact"`
	Status   DriftStatus `json:"status"`
	Recorded string      `json:"recorded"`
	Current  string      `json:"current,omitempty"`
}

// Latest returns the most recent record for each artifact, in order of
// first appearance.
func Latest(records []Artifact) []Artifact {
	index := make(map[string]int)
	latest := make([]Artifact, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.Artifact]; ok {
			latest[i] = r
			continue
		}
		index[r.Artifact] = len(latest)
		latest = append(latest, r)
	}
	return latest
}

// Verify recomputes the checksum of every recorded artifact. It is a
// read-only audit: drift is reported, never repaired, and never used to
// invalidate the cache.
func Verify(path string) ([]Drift, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}

	drifts := make([]Drift, 0)
	for _, r := range Latest(records) {
		current, err := hashing.HashFile(r.Artifact)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			drifts = append(drifts, Drift{Artifact: r.Artifact, Status: DriftMissing, Recorded: r.Checksum})
		case err != nil:
			return nil, err
		case current != r.Checksum:
			drifts = append(drifts, Drift{Artifact: r.Artifact, Status: DriftModified, Recorded: r.Checksum, Current: current})
		}
	}
	return drifts, nil
}

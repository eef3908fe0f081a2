// Package manifest holds the per-project cached metadata record set and its
// blob-backed store.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stick-pm/stick/internal/core/artifact"
	"github.com/stick-pm/stick/internal/core/hasher"
	"github.com/stick-pm/stick/internal/core/pep440"
)

// FormatVersion tags the manifest serialization format.
const FormatVersion = 1

// Digests mirrors the digest object of the published JSON schema.
type Digests struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// ArtifactRecord is one published file. Records are immutable once created;
// a re-upload of the same filename is either skipped or rejected, never
// merged.
type ArtifactRecord struct {
	Filename       string    `json:"filename"`
	Version        string    `json:"version"`
	PackageType    string    `json:"packagetype"`
	PythonTag      string    `json:"python_version"`
	Digests        Digests   `json:"digests"`
	Size           int64     `json:"size"`
	UploadedAt     time.Time `json:"upload_time"`
	HasSignature   bool      `json:"has_sig"`
	RequiresPython string    `json:"requires_python,omitempty"`
	Summary        string    `json:"summary,omitempty"`

	// Extra carries fields written by newer format revisions. They are
	// preserved verbatim across a load/save cycle.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownRecordFields must track the json tags of ArtifactRecord.
var knownRecordFields = map[string]bool{
	"filename": true, "version": true, "packagetype": true,
	"python_version": true, "digests": true, "size": true,
	"upload_time": true, "has_sig": true, "requires_python": true,
	"summary": true,
}

func (r ArtifactRecord) MarshalJSON() ([]byte, error) {
	type plain ArtifactRecord
	b, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !knownRecordFields[k] {
			m[k] = v
		}
	}
	// Map marshaling emits keys sorted, keeping output deterministic.
	return json.Marshal(m)
}

func (r *ArtifactRecord) UnmarshalJSON(b []byte) error {
	type plain ArtifactRecord
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k := range m {
		if knownRecordFields[k] {
			delete(m, k)
		}
	}
	if len(m) > 0 {
		p.Extra = m
	}
	*r = ArtifactRecord(p)
	return nil
}

// NewRecord builds a record from extracted artifact metadata.
func NewRecord(info *artifact.Info, uploadedAt time.Time, hasSig bool) ArtifactRecord {
	return ArtifactRecord{
		Filename:    info.Filename,
		Version:     info.Version,
		PackageType: string(info.Type),
		PythonTag:   info.PythonTag,
		Digests: Digests{
			MD5:    info.Digests.MD5,
			SHA256: info.Digests.SHA256,
		},
		Size:           info.Digests.Size,
		UploadedAt:     uploadedAt.UTC().Truncate(time.Second),
		HasSignature:   hasSig,
		RequiresPython: info.RequiresPython,
		Summary:        info.Summary,
	}
}

// RecordDigests converts a record's digests back to the hasher form.
func (r ArtifactRecord) RecordDigests() hasher.Digests {
	return hasher.Digests{SHA256: r.Digests.SHA256, MD5: r.Digests.MD5, Size: r.Size}
}

// ProjectManifest is the cached record set of one project.
type ProjectManifest struct {
	Project string
	Records []ArtifactRecord
}

// New returns an empty manifest for project.
func New(project string) *ProjectManifest {
	return &ProjectManifest{Project: project}
}

// Find returns the record with the given filename, or nil.
func (m *ProjectManifest) Find(filename string) *ArtifactRecord {
	for i := range m.Records {
		if m.Records[i].Filename == filename {
			return &m.Records[i]
		}
	}
	return nil
}

// Add appends rec. It reports false, without modifying the manifest, when a
// record with the same filename already exists.
func (m *ProjectManifest) Add(rec ArtifactRecord) bool {
	if m.Find(rec.Filename) != nil {
		return false
	}
	m.Records = append(m.Records, rec)
	return true
}

// Sorted returns the records ordered by normalized version ascending, then
// filename. Rendering order is always computed here, never persisted.
func (m *ProjectManifest) Sorted() []ArtifactRecord {
	out := make([]ArtifactRecord, len(m.Records))
	copy(out, m.Records)
	sort.SliceStable(out, func(i, j int) bool {
		if c := pep440.Compare(out[i].Version, out[j].Version); c != 0 {
			return c < 0
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}

// Versions returns the distinct versions in ascending normalized order.
func (m *ProjectManifest) Versions() []string {
	seen := make(map[string]bool)
	var versions []string
	for _, rec := range m.Sorted() {
		if !seen[rec.Version] {
			seen[rec.Version] = true
			versions = append(versions, rec.Version)
		}
	}
	return versions
}

// LatestVersion resolves the highest normalized version; among records of
// that version, ties on "latest" semantics fall to the most recent upload.
// It returns "" for an empty manifest.
func (m *ProjectManifest) LatestVersion() string {
	var best string
	var bestParsed pep440.Version
	var bestAt time.Time
	for _, rec := range m.Records {
		parsed := pep440.Parse(rec.Version)
		if best == "" {
			best, bestParsed, bestAt = rec.Version, parsed, rec.UploadedAt
			continue
		}
		switch c := parsed.CompareRelease(bestParsed); {
		case c > 0:
			best, bestParsed, bestAt = rec.Version, parsed, rec.UploadedAt
		case c == 0 && rec.UploadedAt.After(bestAt):
			best, bestParsed, bestAt = rec.Version, parsed, rec.UploadedAt
		}
	}
	return best
}

// VersionRecords returns the records of one version in filename order.
func (m *ProjectManifest) VersionRecords(version string) []ArtifactRecord {
	var out []ArtifactRecord
	for _, rec := range m.Sorted() {
		if rec.Version == version {
			out = append(out, rec)
		}
	}
	return out
}

// file is the serialized manifest blob shape.
type file struct {
	FormatVersion int              `json:"format_version"`
	Records       []ArtifactRecord `json:"records"`
}

// Encode serializes m deterministically: records sorted, stable key order,
// trailing newline.
func Encode(m *ProjectManifest) ([]byte, error) {
	f := file{FormatVersion: FormatVersion, Records: m.Sorted()}
	if f.Records == nil {
		f.Records = []ArtifactRecord{}
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest for %s: %w", m.Project, err)
	}
	return append(b, '\n'), nil
}

// Decode parses a manifest blob.
func Decode(project string, data []byte) (*ProjectManifest, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", project, err)
	}
	if f.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("manifest for %s has format version %d, newer than supported %d", project, f.FormatVersion, FormatVersion)
	}
	return &ProjectManifest{Project: project, Records: f.Records}, nil
}

package repository_test

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/manifest"
	"github.com/stick-pm/stick/internal/core/repository"
	"github.com/stick-pm/stick/internal/core/signer"
	"github.com/stick-pm/stick/internal/core/storage"
)

const baseURL = "https://bucket.s3.amazonaws.com/simple/"

func sdistBytes(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\nSummary: test distribution\nRequires-Python: >=3.8\n\ndescription body\n", name, version)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     fmt.Sprintf("%s-%s/PKG-INFO", name, version),
		Mode:     0o644,
		Size:     int64(len(body)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeSdist(t *testing.T, dir, name, version string) string {
	t.Helper()
	p := filepath.Join(dir, fmt.Sprintf("%s-%s.tar.gz", name, version))
	require.NoError(t, os.WriteFile(p, sdistBytes(t, name, version), 0o644))
	return p
}

func newEngine(store storage.Store, sig signer.Signer) *repository.Engine {
	return repository.New(repository.Options{
		Store:         store,
		Prefix:        "simple",
		BaseURL:       baseURL,
		Signer:        sig,
		Workers:       2,
		SaveAttempts:  3,
		RetryInterval: time.Millisecond,
	})
}

// snapshot captures every stored object's content, keyed by object key.
func snapshot(t *testing.T, blobs *storage.MemoryStore) map[string]string {
	t.Helper()
	ctx := context.Background()
	objects, err := blobs.List(ctx, "")
	require.NoError(t, err)
	out := make(map[string]string, len(objects))
	for _, obj := range objects {
		data, _, err := blobs.Get(ctx, obj.Key)
		require.NoError(t, err)
		out[obj.Key] = string(data)
	}
	return out
}

func TestUploadPublishesArtifactManifestAndProjection(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	dir := t.TempDir()

	summary, err := engine.Upload(ctx, []string{writeSdist(t, dir, "pkg", "1.0.0")}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	require.Len(t, summary.Files, 1)
	assert.Equal(t, repository.StatusUploaded, summary.Files[0].Status)
	assert.Equal(t, "pkg", summary.Files[0].Project)
	assert.False(t, summary.Failed())

	stored := snapshot(t, blobs)
	for _, key := range []string{
		"simple/",
		"simple/pkg/",
		"simple/pkg/json",
		"simple/pkg/manifest.json",
		"simple/pkg/pkg-1.0.0.tar.gz",
		"simple/pkg/1.0.0/",
		"simple/pkg/1.0.0/json",
	} {
		assert.Contains(t, stored, key)
	}

	m, _, err := manifest.NewStore(blobs, "simple").Load(ctx, "pkg")
	require.NoError(t, err)
	require.Len(t, m.Records, 1)
	rec := m.Records[0]
	assert.Equal(t, "pkg-1.0.0.tar.gz", rec.Filename)
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Equal(t, "sdist", rec.PackageType)
	assert.Equal(t, ">=3.8", rec.RequiresPython)
	assert.Equal(t, "test distribution", rec.Summary)
	assert.False(t, rec.HasSignature)

	assert.Contains(t, stored["simple/pkg/"], "pkg-1.0.0.tar.gz#sha256="+rec.Digests.SHA256)
	assert.Contains(t, stored["simple/"], `<a href="pkg/">pkg</a>`)
}

func TestUploadSkipExistingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	p := writeSdist(t, t.TempDir(), "pkg", "1.0.0")

	_, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	before := snapshot(t, blobs)

	summary, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSkipped, summary.Files[0].Status)
	assert.Equal(t, before, snapshot(t, blobs))
}

func TestUploadDuplicateFailsWithoutSkipExisting(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	p := writeSdist(t, t.TempDir(), "pkg", "1.0.0")

	_, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{})
	require.NoError(t, err)

	summary, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, summary.Files[0].Status)

	var dup *repository.DuplicateArtifactError
	require.ErrorAs(t, summary.Files[0].Err, &dup)
	assert.Equal(t, "pkg", dup.Project)
	assert.Equal(t, "pkg-1.0.0.tar.gz", dup.Filename)
	assert.True(t, summary.Failed())
}

func TestUploadUnreadableAndUnparsableFilesFailIndividually(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	dir := t.TempDir()

	bogus := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(bogus, []byte("not a distribution"), 0o644))
	good := writeSdist(t, dir, "pkg", "1.0.0")

	summary, err := engine.Upload(ctx, []string{filepath.Join(dir, "missing.tar.gz"), bogus, good}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	require.Len(t, summary.Files, 3)
	assert.Equal(t, repository.StatusFailed, summary.Files[0].Status)
	assert.Equal(t, repository.StatusFailed, summary.Files[1].Status)
	assert.Equal(t, repository.StatusUploaded, summary.Files[2].Status)
	assert.True(t, summary.Failed())
}

func TestUploadMultipleProjectsInOneCall(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	dir := t.TempDir()

	summary, err := engine.Upload(ctx, []string{
		writeSdist(t, dir, "alpha", "1.0.0"),
		writeSdist(t, dir, "beta", "2.0.0"),
	}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.False(t, summary.Failed())

	stored := snapshot(t, blobs)
	assert.Contains(t, stored, "simple/alpha/manifest.json")
	assert.Contains(t, stored, "simple/beta/manifest.json")
	assert.Contains(t, stored["simple/"], `<a href="alpha/">alpha</a>`)
	assert.Contains(t, stored["simple/"], `<a href="beta/">beta</a>`)
}

func TestUploadWithPreSignedSignature(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	dir := t.TempDir()

	p := writeSdist(t, dir, "pkg", "1.0.0")
	sigPath := p + ".asc"
	require.NoError(t, os.WriteFile(sigPath, []byte("-----BEGIN PGP SIGNATURE-----\n"), 0o644))

	summary, err := engine.Upload(ctx, []string{p, sigPath}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	// The .asc companion is not a file result of its own.
	require.Len(t, summary.Files, 1)
	assert.Equal(t, repository.StatusUploaded, summary.Files[0].Status)

	sig, _, err := blobs.Get(ctx, layout.SignatureKey("simple", "pkg", "pkg-1.0.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN PGP SIGNATURE-----\n", string(sig))

	m, _, err := manifest.NewStore(blobs, "simple").Load(ctx, "pkg")
	require.NoError(t, err)
	assert.True(t, m.Records[0].HasSignature)
}

func TestUploadSignsWithConfiguredSigner(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	sign := signer.Func(func(_ context.Context, path string) ([]byte, error) {
		return []byte("signature of " + filepath.Base(path)), nil
	})
	engine := newEngine(blobs, sign)

	p := writeSdist(t, t.TempDir(), "pkg", "1.0.0")
	summary, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{SkipExisting: true, Sign: true})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUploaded, summary.Files[0].Status)

	sig, _, err := blobs.Get(ctx, layout.SignatureKey("simple", "pkg", "pkg-1.0.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "signature of pkg-1.0.0.tar.gz", string(sig))
}

func TestUploadGivesUpAfterRepeatedManifestConflicts(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)

	// A competitor advances the manifest blob right before every manifest
	// save, so each conditional write loses.
	manifestKey := layout.ManifestKey("simple", "pkg")
	racing := false
	blobs.OnPut = func(key string) {
		if racing || key != manifestKey {
			return
		}
		racing = true
		defer func() { racing = false }()
		assert.NoError(t, manifest.NewStore(blobs, "simple").Overwrite(ctx, manifest.New("pkg")))
	}

	p := writeSdist(t, t.TempDir(), "pkg", "1.0.0")
	summary, err := engine.Upload(ctx, []string{p}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, summary.Files[0].Status)

	var conflict *repository.ManifestConflictError
	require.ErrorAs(t, summary.Files[0].Err, &conflict)
	assert.Equal(t, "pkg", conflict.Project)
	assert.Equal(t, 3, conflict.Attempts)
}

func TestConcurrentUploadsFromSeparateEnginesBothLand(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	dir := t.TempDir()

	// Two engine instances share the store but not the per-project lock, so
	// only the conditional manifest write arbitrates between them.
	p1 := writeSdist(t, dir, "pkg", "1.0.0")
	p2 := writeSdist(t, dir, "pkg", "2.0.0")

	var wg sync.WaitGroup
	summaries := make([]*repository.UploadSummary, 2)
	errs := make([]error, 2)
	for i, p := range []string{p1, p2} {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			summaries[i], errs[i] = newEngine(blobs, nil).Upload(ctx, []string{p}, repository.UploadOptions{SkipExisting: true})
		}()
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, repository.StatusUploaded, summaries[i].Files[0].Status)
	}

	m, _, err := manifest.NewStore(blobs, "simple").Load(ctx, "pkg")
	require.NoError(t, err)
	require.Len(t, m.Records, 2)
	assert.NotNil(t, m.Find("pkg-1.0.0.tar.gz"))
	assert.NotNil(t, m.Find("pkg-2.0.0.tar.gz"))
}

func TestCheckCleanRepository(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)

	_, err := engine.Upload(ctx, []string{writeSdist(t, t.TempDir(), "pkg", "1.0.0")}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)

	reports, err := engine.Check(ctx, nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "pkg", reports[0].Project)
	assert.True(t, reports[0].Clean())
}

func TestCheckReportsMissingArtifactWithoutWriting(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)

	_, err := engine.Upload(ctx, []string{writeSdist(t, t.TempDir(), "pkg", "1.0.0")}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, "simple/pkg/pkg-1.0.0.tar.gz"))
	before := snapshot(t, blobs)

	reports, err := engine.Check(ctx, []string{"pkg"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"pkg-1.0.0.tar.gz"}, reports[0].MissingArtifacts)
	assert.False(t, reports[0].Clean())

	// Check is read-only.
	assert.Equal(t, before, snapshot(t, blobs))
}

func TestCheckReportsStaleAndMissingDocuments(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)

	_, err := engine.Upload(ctx, []string{writeSdist(t, t.TempDir(), "pkg", "1.0.0")}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)

	// Tamper with one document, remove another.
	_, err = blobs.Put(ctx, "simple/pkg/", []byte("<html>edited by hand</html>"), storage.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, "simple/pkg/json"))

	reports, err := engine.Check(ctx, []string{"pkg"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].StaleDocuments, 2)

	byKey := make(map[string]repository.DocumentDiff)
	for _, d := range reports[0].StaleDocuments {
		byKey[d.Key] = d
	}
	assert.NotEmpty(t, byKey["simple/pkg/"].Diff)
	assert.False(t, byKey["simple/pkg/"].Missing)
	assert.True(t, byKey["simple/pkg/json"].Missing)
}

func TestReindexRebuildsIdenticalState(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	sign := signer.Func(func(_ context.Context, path string) ([]byte, error) {
		return []byte("sig"), nil
	})
	engine := newEngine(blobs, sign)
	dir := t.TempDir()

	_, err := engine.Upload(ctx, []string{
		writeSdist(t, dir, "pkg", "1.0.0"),
		writeSdist(t, dir, "pkg", "1.5.0"),
	}, repository.UploadOptions{SkipExisting: true, Sign: true})
	require.NoError(t, err)
	before := snapshot(t, blobs)

	summary, err := engine.Reindex(ctx, nil)
	require.NoError(t, err)
	require.Len(t, summary.Projects, 1)
	assert.Equal(t, "pkg", summary.Projects[0].Project)
	assert.Equal(t, 2, summary.Projects[0].Artifacts)
	assert.False(t, summary.Failed())

	// A reindex of an intact repository is a byte-for-byte no-op.
	assert.Equal(t, before, snapshot(t, blobs))
}

func TestReindexRecoversProjectWithLostManifest(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)

	// An artifact published out of band: blob present, no manifest.
	_, err := blobs.Put(ctx, "simple/pkg/pkg-1.0.0.tar.gz", sdistBytes(t, "pkg", "1.0.0"), storage.PutOptions{})
	require.NoError(t, err)

	summary, err := engine.Reindex(ctx, nil)
	require.NoError(t, err)
	require.Len(t, summary.Projects, 1)
	assert.Equal(t, 1, summary.Projects[0].Artifacts)

	m, _, err := manifest.NewStore(blobs, "simple").Load(ctx, "pkg")
	require.NoError(t, err)
	require.Len(t, m.Records, 1)
	assert.Equal(t, "pkg-1.0.0.tar.gz", m.Records[0].Filename)

	stored := snapshot(t, blobs)
	assert.Contains(t, stored, "simple/pkg/")
	assert.Contains(t, stored, "simple/pkg/json")
	assert.Contains(t, stored["simple/"], `<a href="pkg/">pkg</a>`)
}

func TestReindexDropsRecordsForDeletedArtifacts(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	engine := newEngine(blobs, nil)
	dir := t.TempDir()

	_, err := engine.Upload(ctx, []string{
		writeSdist(t, dir, "pkg", "1.0.0"),
		writeSdist(t, dir, "pkg", "2.0.0"),
	}, repository.UploadOptions{SkipExisting: true})
	require.NoError(t, err)
	require.NoError(t, blobs.Delete(ctx, "simple/pkg/pkg-1.0.0.tar.gz"))

	summary, err := engine.Reindex(ctx, []string{"pkg"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Projects[0].Artifacts)

	m, _, err := manifest.NewStore(blobs, "simple").Load(ctx, "pkg")
	require.NoError(t, err)
	require.Len(t, m.Records, 1)
	assert.Equal(t, "pkg-2.0.0.tar.gz", m.Records[0].Filename)

	stored := snapshot(t, blobs)
	assert.NotContains(t, stored["simple/pkg/"], "pkg-1.0.0.tar.gz")
	assert.NotContains(t, stored["simple/pkg/json"], `"1.0.0"`)
}

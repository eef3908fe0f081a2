package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stick-pm/stick/internal/core/layout"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "simple/", layout.RootPage("simple"))
	assert.Equal(t, "simple/demo/", layout.ProjectPage("simple/", "demo"))
	assert.Equal(t, "simple/demo/manifest.json", layout.ManifestKey("simple", "demo"))
	assert.Equal(t, "simple/demo/json", layout.LatestJSON("simple", "demo"))
	assert.Equal(t, "simple/demo/1.0.0/", layout.VersionPage("simple", "demo", "1.0.0"))
	assert.Equal(t, "simple/demo/1.0.0/json", layout.VersionJSON("simple", "demo", "1.0.0"))
	assert.Equal(t, "simple/demo/demo-1.0.0.tar.gz", layout.ArtifactKey("simple", "demo", "demo-1.0.0.tar.gz"))
	assert.Equal(t, "simple/demo/demo-1.0.0.tar.gz.asc", layout.SignatureKey("simple", "demo", "demo-1.0.0.tar.gz"))
}

func TestNormalizePrefixIsIdempotent(t *testing.T) {
	assert.Equal(t, "simple/", layout.NormalizePrefix("simple"))
	assert.Equal(t, "simple/", layout.NormalizePrefix("simple/"))
}

func TestProjectFromKey(t *testing.T) {
	assert.Equal(t, "demo", layout.ProjectFromKey("simple", "simple/demo/manifest.json"))
	assert.Equal(t, "demo", layout.ProjectFromKey("simple", "simple/demo/"))
	assert.Equal(t, "", layout.ProjectFromKey("simple", "simple/"))
	assert.Equal(t, "", layout.ProjectFromKey("simple", "other/demo/file"))
	assert.Equal(t, "", layout.ProjectFromKey("simple", "simple/orphan"))
}

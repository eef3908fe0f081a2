// Package layout fixes the key schema of a published repository.
//
// Under a configured prefix:
//
//	<prefix>/                          project list page (HTML)
//	<prefix>/<project>/                project page (HTML)
//	<prefix>/<project>/json            latest-version metadata (JSON)
//	<prefix>/<project>/manifest.json   cached manifest (internal)
//	<prefix>/<project>/<version>/      version page (HTML)
//	<prefix>/<project>/<version>/json  version metadata (JSON)
//	<prefix>/<project>/<filename>      artifact blob
//	<prefix>/<project>/<filename>.asc  detached signature
package layout

import "strings"

// ManifestFilename is the per-project manifest blob name.
const ManifestFilename = "manifest.json"

// NormalizePrefix guarantees a single trailing slash.
func NormalizePrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

// ProjectDir returns the key prefix of one project, trailing slash included.
func ProjectDir(prefix, project string) string {
	return NormalizePrefix(prefix) + project + "/"
}

// RootPage is the key of the repository project list page.
func RootPage(prefix string) string {
	return NormalizePrefix(prefix)
}

// ProjectPage is the key of a project's HTML index page.
func ProjectPage(prefix, project string) string {
	return ProjectDir(prefix, project)
}

// ManifestKey is the key of a project's cached manifest.
func ManifestKey(prefix, project string) string {
	return ProjectDir(prefix, project) + ManifestFilename
}

// LatestJSON is the key of a project's latest-version metadata document.
func LatestJSON(prefix, project string) string {
	return ProjectDir(prefix, project) + "json"
}

// VersionPage is the key of a project version's HTML page.
func VersionPage(prefix, project, version string) string {
	return ProjectDir(prefix, project) + version + "/"
}

// VersionJSON is the key of a project version's metadata document.
func VersionJSON(prefix, project, version string) string {
	return ProjectDir(prefix, project) + version + "/json"
}

// ArtifactKey is the key of an artifact blob.
func ArtifactKey(prefix, project, filename string) string {
	return ProjectDir(prefix, project) + filename
}

// SignatureKey is the key of an artifact's detached signature.
func SignatureKey(prefix, project, filename string) string {
	return ArtifactKey(prefix, project, filename) + ".asc"
}

// ProjectFromKey extracts the first-level project directory from a key under
// prefix. It returns "" when the key is the root page or outside the prefix.
func ProjectFromKey(prefix, key string) string {
	rel, ok := strings.CutPrefix(key, NormalizePrefix(prefix))
	if !ok {
		return ""
	}
	project, _, found := strings.Cut(rel, "/")
	if !found {
		return ""
	}
	return project
}

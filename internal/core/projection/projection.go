// Package projection derives the served index documents from a manifest.
//
// Projection is a pure function of manifest content: the same records always
// render to byte-identical documents (stable ordering, fixed field order),
// which is what makes comparing published documents against a recomputed
// projection meaningful.
package projection

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/manifest"
)

// Document is one rendered index document to be written at Key.
type Document struct {
	Key         string
	ContentType string
	Body        []byte
}

const uploadTimeFormat = "2006-01-02T15:04:05"

// Project renders every document derived from m: the project HTML page, one
// HTML page and one JSON document per version, and the latest-version JSON
// document. An empty manifest projects to an empty project page only.
func Project(m *manifest.ProjectManifest, prefix, baseURL string) ([]Document, error) {
	docs := []Document{projectPage(m, prefix, baseURL)}

	for _, version := range m.Versions() {
		docs = append(docs, versionPage(m, version, prefix, baseURL))
		doc, err := metadataDoc(m, version, layout.VersionJSON(prefix, m.Project, version), baseURL)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if latest := m.LatestVersion(); latest != "" {
		doc, err := metadataDoc(m, latest, layout.LatestJSON(prefix, m.Project), baseURL)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RootIndex renders the repository project list page. Projects must already
// be the discovered project set; they are rendered in sorted order as given.
func RootIndex(prefix string, projects []string) Document {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><title>Simple index</title></head><body>")
	for _, project := range projects {
		fmt.Fprintf(&b, `<a href="%s/">%s</a><br>`, html.EscapeString(project), html.EscapeString(project))
	}
	b.WriteString("</body></html>")
	return Document{
		Key:         layout.RootPage(prefix),
		ContentType: "text/html",
		Body:        []byte(b.String()),
	}
}

func projectPage(m *manifest.ProjectManifest, prefix, baseURL string) Document {
	var b strings.Builder
	title := "Links for " + html.EscapeString(m.Project)
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1>", title, title)
	for _, rec := range m.Sorted() {
		writeFileLink(&b, m.Project, rec, baseURL)
	}
	b.WriteString("</body></html>")
	return Document{
		Key:         layout.ProjectPage(prefix, m.Project),
		ContentType: "text/html",
		Body:        []byte(b.String()),
	}
}

func versionPage(m *manifest.ProjectManifest, version, prefix, baseURL string) Document {
	var b strings.Builder
	title := fmt.Sprintf("Links for %s %s", html.EscapeString(m.Project), html.EscapeString(version))
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1>", title, title)
	for _, rec := range m.VersionRecords(version) {
		writeFileLink(&b, m.Project, rec, baseURL)
	}
	b.WriteString("</body></html>")
	return Document{
		Key:         layout.VersionPage(prefix, m.Project, version),
		ContentType: "text/html",
		Body:        []byte(b.String()),
	}
}

// writeFileLink emits one artifact anchor: href carries the sha256 fragment
// for client-side verification, data-requires-python the requirement when
// recorded.
func writeFileLink(b *strings.Builder, project string, rec manifest.ArtifactRecord, baseURL string) {
	href := artifactURL(baseURL, project, rec.Filename) + "#sha256=" + rec.Digests.SHA256
	b.WriteString(`<a href="` + html.EscapeString(href) + `"`)
	if rec.RequiresPython != "" {
		b.WriteString(` data-requires-python="` + html.EscapeString(rec.RequiresPython) + `"`)
	}
	b.WriteString(">" + html.EscapeString(rec.Filename) + "</a><br>")
}

// fileEntry is one file descriptor in the JSON documents, fields in the
// published schema's order.
type fileEntry struct {
	CommentText    string           `json:"comment_text"`
	Digests        manifest.Digests `json:"digests"`
	Downloads      int              `json:"downloads"`
	Filename       string           `json:"filename"`
	HasSig         bool             `json:"has_sig"`
	MD5Digest      string           `json:"md5_digest"`
	PackageType    string           `json:"packagetype"`
	PythonVersion  string           `json:"python_version"`
	RequiresPython string           `json:"requires_python,omitempty"`
	Size           int64            `json:"size"`
	UploadTime     string           `json:"upload_time"`
	URL            string           `json:"url"`
}

type infoBlock struct {
	Name           string `json:"name"`
	PackageURL     string `json:"package_url"`
	ProjectURL     string `json:"project_url"`
	ReleaseURL     string `json:"release_url"`
	RequiresPython string `json:"requires_python,omitempty"`
	Summary        string `json:"summary"`
	Version        string `json:"version"`
}

type metadataBody struct {
	Info       infoBlock              `json:"info"`
	LastSerial int                    `json:"last_serial"`
	Releases   map[string][]fileEntry `json:"releases"`
	URLs       []fileEntry            `json:"urls"`
}

// metadataDoc renders the JSON metadata document for one version of m. The
// info block describes that version; releases cover the whole project.
func metadataDoc(m *manifest.ProjectManifest, version, key, baseURL string) (Document, error) {
	releases := make(map[string][]fileEntry)
	for _, v := range m.Versions() {
		entries := make([]fileEntry, 0)
		for _, rec := range m.VersionRecords(v) {
			entries = append(entries, newFileEntry(m.Project, rec, baseURL))
		}
		releases[v] = entries
	}

	urls := make([]fileEntry, 0)
	var info infoBlock
	for _, rec := range m.VersionRecords(version) {
		urls = append(urls, newFileEntry(m.Project, rec, baseURL))
		// The last record of the version supplies the descriptive fields,
		// matching how uploads layered them historically.
		info = infoBlock{
			Name:           m.Project,
			PackageURL:     projectURL(baseURL, m.Project),
			ProjectURL:     projectURL(baseURL, m.Project),
			ReleaseURL:     projectURL(baseURL, m.Project) + escapePlus(version) + "/",
			RequiresPython: rec.RequiresPython,
			Summary:        rec.Summary,
			Version:        version,
		}
	}

	body, err := json.MarshalIndent(metadataBody{
		Info:       info,
		LastSerial: -1,
		Releases:   releases,
		URLs:       urls,
	}, "", "  ")
	if err != nil {
		return Document{}, fmt.Errorf("encoding metadata for %s %s: %w", m.Project, version, err)
	}
	return Document{Key: key, ContentType: "application/json", Body: append(body, '\n')}, nil
}

func newFileEntry(project string, rec manifest.ArtifactRecord, baseURL string) fileEntry {
	return fileEntry{
		Digests:        rec.Digests,
		Downloads:      -1,
		Filename:       rec.Filename,
		HasSig:         rec.HasSignature,
		MD5Digest:      rec.Digests.MD5,
		PackageType:    rec.PackageType,
		PythonVersion:  rec.PythonTag,
		RequiresPython: rec.RequiresPython,
		Size:           rec.Size,
		UploadTime:     rec.UploadedAt.UTC().Format(uploadTimeFormat),
		URL:            artifactURL(baseURL, project, rec.Filename),
	}
}

func projectURL(baseURL, project string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + project + "/"
}

func artifactURL(baseURL, project, filename string) string {
	return projectURL(baseURL, project) + escapePlus(filename)
}

// escapePlus percent-encodes "+" so wheel build tags survive inside hrefs.
func escapePlus(s string) string {
	return strings.ReplaceAll(s, "+", "%2B")
}

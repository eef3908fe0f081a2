// Package artifact parses distribution filenames and extracts descriptor
// metadata from sdist and wheel archives. Nothing inside an archive is ever
// executed; only the static PKG-INFO / METADATA descriptor is read.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/stick-pm/stick/internal/core/hasher"
	"github.com/stick-pm/stick/internal/core/pep440"
)

// ErrInvalidName is returned for filenames that do not follow the sdist or
// wheel naming grammar.
var ErrInvalidName = errors.New("invalid artifact filename")

// Type is the distribution package type.
type Type string

const (
	// TypeSdist is a source distribution (.tar.gz or .zip).
	TypeSdist Type = "sdist"
	// TypeWheel is a built wheel (.whl).
	TypeWheel Type = "bdist_wheel"
)

// Info is the metadata extracted from one distribution file.
type Info struct {
	Filename       string
	Name           string // PEP 503 normalized project name
	Version        string
	Type           Type
	PythonTag      string
	Digests        hasher.Digests
	RequiresPython string
	Summary        string
}

// ParseFilename recovers project name, version and type from a distribution
// filename. The project name is returned normalized.
func ParseFilename(filename string) (*Info, error) {
	base := path.Base(filename)
	switch {
	case strings.HasSuffix(base, ".whl"):
		return parseWheelName(base)
	case strings.HasSuffix(base, ".tar.gz"):
		return parseSdistName(base, strings.TrimSuffix(base, ".tar.gz"))
	case strings.HasSuffix(base, ".zip"):
		return parseSdistName(base, strings.TrimSuffix(base, ".zip"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidName, base)
	}
}

// parseWheelName handles {dist}-{version}(-{build})?-{python}-{abi}-{platform}.whl.
func parseWheelName(base string) (*Info, error) {
	stem := strings.TrimSuffix(base, ".whl")
	parts := strings.Split(stem, "-")
	if len(parts) != 5 && len(parts) != 6 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidName, base)
	}
	name, version := parts[0], parts[1]
	pythonTag := parts[len(parts)-3]
	if name == "" || !startsWithDigit(version) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidName, base)
	}
	return &Info{
		Filename:  base,
		Name:      pep440.NormalizeName(name),
		Version:   version,
		Type:      TypeWheel,
		PythonTag: pythonTag,
	}, nil
}

// parseSdistName handles {name}-{version} stems. The version starts at the
// rightmost hyphen that is followed by a digit; project names themselves may
// contain hyphens.
func parseSdistName(base, stem string) (*Info, error) {
	for i := len(stem) - 2; i > 0; i-- {
		if stem[i] == '-' && startsWithDigit(stem[i+1:]) {
			return &Info{
				Filename:  base,
				Name:      pep440.NormalizeName(stem[:i]),
				Version:   stem[i+1:],
				Type:      TypeSdist,
				PythonTag: "source",
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidName, base)
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// Extract reads the distribution file at p and returns its full metadata.
func Extract(p string) (*Info, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return ExtractBytes(path.Base(p), data)
}

// ExtractBytes extracts metadata from in-memory distribution content. A
// missing or unreadable descriptor leaves the descriptor fields empty; only
// an unparsable filename is an error.
func ExtractBytes(filename string, data []byte) (*Info, error) {
	info, err := ParseFilename(filename)
	if err != nil {
		return nil, err
	}
	info.Digests = hasher.ComputeBytes(data)

	var hdr textproto.MIMEHeader
	switch info.Type {
	case TypeWheel:
		hdr = readZipDescriptor(data, "METADATA")
	case TypeSdist:
		if strings.HasSuffix(filename, ".zip") {
			hdr = readZipDescriptor(data, "PKG-INFO")
		} else {
			hdr = readTarGzDescriptor(data, "PKG-INFO")
		}
	}
	if hdr != nil {
		info.RequiresPython = hdr.Get("Requires-Python")
		info.Summary = hdr.Get("Summary")
	}
	return info, nil
}

// readZipDescriptor returns the parsed header block of the first archive
// member named want (wheels: *.dist-info/METADATA; zip sdists: */PKG-INFO),
// or nil when absent or malformed.
func readZipDescriptor(data []byte, want string) textproto.MIMEHeader {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil
	}
	for _, f := range zr.File {
		if path.Base(f.Name) != want || !descriptorDepthOK(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		hdr := parseDescriptor(rc)
		_ = rc.Close()
		return hdr
	}
	return nil
}

func readTarGzDescriptor(data []byte, want string) textproto.MIMEHeader {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		h, err := tr.Next()
		if err != nil {
			return nil
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		if path.Base(h.Name) == want && descriptorDepthOK(h.Name) {
			return parseDescriptor(tr)
		}
	}
}

// descriptorDepthOK accepts descriptors at the archive root or one directory
// down ("pkg-1.0.0/PKG-INFO", "pkg-1.0.0.dist-info/METADATA"), rejecting
// copies nested deeper (vendored sub-packages, test fixtures).
func descriptorDepthOK(name string) bool {
	return strings.Count(strings.Trim(name, "/"), "/") <= 1
}

// parseDescriptor reads the RFC 822 style header block that both PKG-INFO
// and METADATA open with. The body after the blank line (long description)
// is ignored.
func parseDescriptor(r io.Reader) textproto.MIMEHeader {
	tp := textproto.NewReader(bufio.NewReader(r))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil
	}
	return hdr
}

// Package config loads the optional .stick.toml settings file that supplies
// defaults for the repository flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the settings file looked up in the working directory.
const FileName = ".stick.toml"

// Settings are the repository connection defaults. Every field maps to a
// command-line flag; flags win over file values.
type Settings struct {
	Bucket  string `toml:"bucket"`
	BaseURL string `toml:"baseurl"`
	Prefix  string `toml:"prefix"`
	Profile string `toml:"profile"` // AWS credentials profile
}

// File is the full settings file: top-level defaults plus named repository
// presets selected with --repo.
type File struct {
	Defaults Settings            `toml:"defaults"`
	Repos    map[string]Settings `toml:"repos"`
}

// Load reads the settings file from dir. A missing file yields an empty
// File, not an error.
func Load(dir string) (*File, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &f, nil
}

// Resolve returns the defaults overlaid with the named repo preset. An
// unknown name is an error; the empty name selects the defaults alone.
func (f *File) Resolve(repo string) (Settings, error) {
	s := f.Defaults
	if repo == "" {
		return s, nil
	}
	preset, ok := f.Repos[repo]
	if !ok {
		return Settings{}, fmt.Errorf("no [repos.%s] section in %s", repo, FileName)
	}
	s.overlay(preset)
	return s, nil
}

func (s *Settings) overlay(o Settings) {
	if o.Bucket != "" {
		s.Bucket = o.Bucket
	}
	if o.BaseURL != "" {
		s.BaseURL = o.BaseURL
	}
	if o.Prefix != "" {
		s.Prefix = o.Prefix
	}
	if o.Profile != "" {
		s.Profile = o.Profile
	}
}

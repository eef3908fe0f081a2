// Package flags carries the repository flags shared by the upload, check
// and reindex commands, and builds the engine they run against.
package flags

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/stick-pm/stick/internal/core/config"
	"github.com/stick-pm/stick/internal/core/repository"
	"github.com/stick-pm/stick/internal/core/signer"
	"github.com/stick-pm/stick/internal/core/storage"
)

// Repository returns the flag set shared by all repository commands.
func Repository() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "bucket",
			Usage: "S3 bucket hosting the repository",
		},
		&cli.StringFlag{
			Name:  "baseurl",
			Usage: "Alternate base URL instead of the S3 bucket address",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "Prefix within the bucket that repository objects are stored under",
			Value: "simple",
		},
		&cli.StringFlag{
			Name:  "profile",
			Usage: "AWS credentials profile used to access S3",
		},
		&cli.StringFlag{
			Name:  "repo",
			Usage: "Named repository preset from " + config.FileName,
		},
	}
}

// StoreFactory builds the blob store for an invocation. Tests swap it for an
// in-memory store.
var StoreFactory = func(ctx context.Context, bucket, profile string) (storage.Store, error) {
	return storage.NewS3Store(ctx, bucket, profile)
}

// Build resolves settings (file defaults, preset, then flags), validates
// them and constructs the engine.
func Build(c *cli.Context, sign signer.Signer) (*repository.Engine, config.Settings, error) {
	file, err := config.Load(".")
	if err != nil {
		return nil, config.Settings{}, err
	}
	settings, err := file.Resolve(c.String("repo"))
	if err != nil {
		return nil, config.Settings{}, err
	}
	if v := c.String("bucket"); v != "" {
		settings.Bucket = v
	}
	if v := c.String("baseurl"); v != "" {
		settings.BaseURL = v
	}
	if c.IsSet("prefix") || settings.Prefix == "" {
		settings.Prefix = c.String("prefix")
	}
	if v := c.String("profile"); v != "" {
		settings.Profile = v
	}

	if settings.Bucket == "" {
		return nil, settings, fmt.Errorf("--bucket is required (or set it in %s)", config.FileName)
	}
	settings.Prefix = strings.TrimSuffix(settings.Prefix, "/") + "/"

	if settings.BaseURL == "" {
		settings.BaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com/%s", settings.Bucket, settings.Prefix)
	}
	settings.BaseURL, err = checkURL(settings.BaseURL)
	if err != nil {
		return nil, settings, err
	}

	store, err := StoreFactory(c.Context, settings.Bucket, settings.Profile)
	if err != nil {
		return nil, settings, err
	}
	engine := repository.New(repository.Options{
		Store:   store,
		Prefix:  settings.Prefix,
		BaseURL: settings.BaseURL,
		Signer:  sign,
	})
	return engine, settings, nil
}

// checkURL validates the base URL: absolute, http(s), trailing slash.
func checkURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL must be absolute, got %q", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

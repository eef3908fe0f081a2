package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/stick-pm/stick/internal/cli/check"
	"github.com/stick-pm/stick/internal/cli/reindex"
	"github.com/stick-pm/stick/internal/cli/self"
	"github.com/stick-pm/stick/internal/cli/upload"
)

// version is overridden at build time via -ldflags.
var version = "v0.1.0"

func main() {
	app := &cli.App{
		Name:    "stick",
		Usage:   "Publish a Python package index to an object store",
		Version: version,
		Action: func(c *cli.Context) error {
			_ = cli.ShowAppHelp(c)
			return nil
		},
		Commands: []*cli.Command{
			upload.NewCommand(),
			check.NewCommand(),
			reindex.NewCommand(),
			self.NewCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

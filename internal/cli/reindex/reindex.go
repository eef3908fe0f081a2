// Package reindex implements the "reindex" command: rebuild manifests and
// index documents from the artifact blobs actually in storage.
package reindex

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/stick-pm/stick/internal/cli/flags"
)

// NewCommand returns the reindex command.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Rebuild manifests and index documents from storage, ignoring cached metadata",
		Flags: append(flags.Repository(),
			&cli.StringSliceFlag{
				Name:  "project",
				Usage: "Reindex a specific project (repeatable; default: all projects)",
			},
		),
		Action: run,
	}
}

func run(c *cli.Context) error {
	engine, settings, err := flags.Build(c, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	fmt.Printf("Reindexing %s\n", settings.BaseURL)

	summary, err := engine.Reindex(c.Context, c.StringSlice("project"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	okColor := color.New(color.FgGreen).SprintFunc()
	failColor := color.New(color.FgRed).SprintFunc()
	for _, p := range summary.Projects {
		if p.Err != nil {
			fmt.Printf("%s %s: %v\n", failColor("failed"), p.Project, p.Err)
		} else {
			fmt.Printf("%s %s (%d artifacts)\n", okColor("reindexed"), p.Project, p.Artifacts)
		}
	}

	if summary.Failed() {
		return cli.Exit("", 1)
	}
	return nil
}

// Package check implements the read-only "check" command: report drift
// between manifests, artifact blobs and published index documents.
package check

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/stick-pm/stick/internal/cli/flags"
)

// NewCommand returns the check command.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Check the repository for missing artifacts and stale index documents",
		Flags: append(flags.Repository(),
			&cli.StringSliceFlag{
				Name:  "project",
				Usage: "Check a specific project (repeatable; default: all projects)",
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

	fmt.Printf("Checking %s\n", settings.BaseURL)

	reports, err := engine.Check(c.Context, c.StringSlice("project"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	okColor := color.New(color.FgGreen).SprintFunc()
	warnColor := color.New(color.FgYellow).SprintFunc()
	failColor := color.New(color.FgRed).SprintFunc()

	clean := true
	for i := range reports {
		report := &reports[i]
		if report.Err != nil {
			clean = false
			fmt.Printf("%s %s: %v\n", failColor("error"), report.Project, report.Err)
			continue
		}
		if report.Clean() {
			fmt.Printf("%s %s\n", okColor("ok"), report.Project)
			continue
		}
		clean = false
		for _, filename := range report.MissingArtifacts {
			fmt.Printf("%s %s: artifact %s is missing from storage\n", failColor("drift"), report.Project, filename)
		}
		for _, doc := range report.StaleDocuments {
			if doc.Missing {
				fmt.Printf("%s %s: document %s is not published\n", warnColor("stale"), report.Project, doc.Key)
			} else {
				fmt.Printf("%s %s: document %s differs from projection\n", warnColor("stale"), report.Project, doc.Key)
			}
		}
	}

	if !clean {
		return cli.Exit("", 1)
	}
	return nil
}

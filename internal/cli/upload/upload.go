// Package upload implements the "upload" command: publish distribution
// files and regenerate the affected index documents.
package upload

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/stick-pm/stick/internal/cli/flags"
	"github.com/stick-pm/stick/internal/core/repository"
	"github.com/stick-pm/stick/internal/core/signer"
)

// NewCommand returns the upload command.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload one or more distribution files to the repository",
		ArgsUsage: "DIST...",
		Flags: append(flags.Repository(),
			&cli.BoolFlag{
				Name:  "skip-existing",
				Usage: "Skip files whose filename already exists in the repository",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "sign",
				Usage: "Sign files prior to upload using GPG",
			},
			&cli.StringFlag{
				Name:  "sign-with",
				Usage: "GPG program used to sign uploads",
				Value: "gpg",
			},
			&cli.StringFlag{
				Name:  "identity",
				Usage: "GPG identity used to sign uploads",
			},
		),
		Action: run,
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("Error: at least one DIST file is required.", 1)
	}
	paths := c.Args().Slice()
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return cli.Exit(fmt.Sprintf("Error: cannot read %s: %v", p, err), 1)
		}
	}

	var gpg signer.Signer
	if c.Bool("sign") {
		gpg = signer.NewGPG(c.String("sign-with"), c.String("identity"))
	}

	engine, settings, err := flags.Build(c, gpg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	fmt.Printf("Uploading distributions to %s\n", settings.BaseURL)

	summary, err := engine.Upload(c.Context, paths, repository.UploadOptions{
		SkipExisting: c.Bool("skip-existing"),
		Sign:         c.Bool("sign"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	printSummary(summary)
	if summary.Failed() {
		return cli.Exit("", 1)
	}
	return nil
}

func printSummary(summary *repository.UploadSummary) {
	okColor := color.New(color.FgGreen).SprintFunc()
	skipColor := color.New(color.FgYellow).SprintFunc()
	failColor := color.New(color.FgRed).SprintFunc()

	var uploaded, skipped, failed int
	for _, f := range summary.Files {
		switch f.Status {
		case repository.StatusUploaded:
			uploaded++
			fmt.Printf("%s %s\n", okColor("uploaded"), f.Filename)
		case repository.StatusSkipped:
			skipped++
			fmt.Printf("%s  %s (already exists)\n", skipColor("skipped"), f.Filename)
		case repository.StatusFailed:
			failed++
			fmt.Printf("%s   %s: %v\n", failColor("failed"), f.Filename, f.Err)
		}
	}
	fmt.Printf("\n%d uploaded, %d skipped, %d failed\n", uploaded, skipped, failed)
}

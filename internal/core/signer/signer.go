// Package signer produces detached signatures by delegating to an external
// GPG binary.
package signer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Signer produces a detached ASCII-armored signature for a local file.
type Signer interface {
	Sign(ctx context.Context, path string) ([]byte, error)
}

// GPG shells out to a gpg-compatible program.
type GPG struct {
	// Program is the signing binary, "gpg" by default.
	Program string
	// Identity selects the key (--local-user) when non-empty.
	Identity string
}

// NewGPG returns a GPG signer for the given program and identity.
func NewGPG(program, identity string) *GPG {
	if program == "" {
		program = "gpg"
	}
	return &GPG{Program: program, Identity: identity}
}

// Sign writes the detached signature to stdout rather than a sidecar file so
// nothing is left behind next to the artifact.
func (g *GPG) Sign(ctx context.Context, path string) ([]byte, error) {
	args := []string{"--detach-sign", "--armor", "--output", "-"}
	if g.Identity != "" {
		args = append(args, "--local-user", g.Identity)
	}
	args = append(args, path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Program, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed for %s: %w: %s", g.Program, path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Func adapts a function to the Signer interface, used by tests.
type Func func(ctx context.Context, path string) ([]byte, error)

func (f Func) Sign(ctx context.Context, path string) ([]byte, error) { return f(ctx, path) }

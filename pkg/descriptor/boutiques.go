package descriptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// Boutiques runs the bosh command line tool for every capability.
type Boutiques struct {
	bosh string
}

// NewBoutiques creates the boutiques descriptor. An empty path means "bosh"
// from PATH.
func NewBoutiques(boshPath string) *Boutiques {
	if boshPath == "" {
		boshPath = "bosh"
	}
	return &Boutiques{bosh: boshPath}
}

// Kind implements Descriptor.
func (b *Boutiques) Kind() Kind { return KindBoutiques }

// Validate runs `bosh invocation`. A non-zero exit is an invalid invocation
// whose stderr becomes the detail.
func (b *Boutiques) Validate(ctx context.Context, descriptorPath, inputsPath string) (bool, string, error) {
	_, stderr, err := b.run(ctx, "invocation", descriptorPath, "-i", inputsPath)
	if err == nil {
		return true, "", nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = fmt.Sprintf("invocation rejected with exit code %d", exitErr.ExitCode())
		}
		return false, detail, nil
	}
	return false, "", fmt.Errorf("failed to run bosh invocation: %w", err)
}

// Export runs `bosh export carmin` and checks the output file appeared.
func (b *Boutiques) Export(ctx context.Context, inputPath, outputPath, identifier string) error {
	_, stderr, err := b.run(ctx, "export", "carmin", inputPath, "--identifier", identifier, outputPath)
	if err != nil {
		return fmt.Errorf("boutiques descriptor at %q is invalid and could not be translated: %w: %s",
			inputPath, err, strings.TrimSpace(stderr))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("boutiques descriptor at %q was exported without error, but no output file was created", inputPath)
	}
	return nil
}

// Execute returns `bosh exec launch` with the data root mounted at the same
// path inside the container.
func (b *Boutiques) Execute(sandboxRoot, descriptorPath, inputsPath string) ([]string, error) {
	if sandboxRoot == "" {
		return nil, errors.New("sandbox root is required")
	}
	return []string{
		b.bosh, "exec", "launch",
		fmt.Sprintf("-v%[1]s:%[1]s", sandboxRoot),
		descriptorPath, inputsPath,
	}, nil
}

func (b *Boutiques) run(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.bosh, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	logger := telemetry.FromContext(ctx).WithField("bosh", b.bosh).WithField("subcommand", args[0])
	if err != nil {
		logger.WithError(err).Debug("bosh exited with an error")
	} else {
		logger.Debug("bosh succeeded")
	}
	return stdout.String(), stderr.String(), err
}

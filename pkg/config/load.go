package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// Environment overrides applied by Load.
const (
	EnvDataDirectory     = "CARMIN_DATA_DIRECTORY"
	EnvPipelineDirectory = "CARMIN_PIPELINE_DIRECTORY"
	EnvDatabasePath      = "CARMIN_DATABASE_PATH"

	// EnvEnvironment set to "production" starts from the production
	// telemetry defaults; the file may still override them.
	EnvEnvironment = "CARMIN_ENVIRONMENT"
)

// ErrTimeoutOutOfRange is returned by CheckTimeout.
var ErrTimeoutOutOfRange = errors.New("timeout outside authorized range")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds a Platform from the YAML file at path. An empty path starts
// from DefaultPlatform. Environment overrides are applied before validation.
func Load(path string) (*Platform, error) {
	p := DefaultPlatform()
	if os.Getenv(EnvEnvironment) == "production" {
		p.Telemetry = telemetry.ProductionConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	p.applyEnv()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Platform) applyEnv() {
	if v := os.Getenv(EnvDataDirectory); v != "" {
		p.DataDirectory = v
	}
	if v := os.Getenv(EnvPipelineDirectory); v != "" {
		p.PipelineDirectory = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		p.DatabasePath = v
	}
}

// Validate checks field constraints and the cross-field platform rules.
func (p *Platform) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid platform properties: %w", err)
	}

	if !slices.Contains(p.SupportedTransferProtocols, "https") {
		return fmt.Errorf("invalid platform properties: CARMIN %s requires https support", p.SupportedAPIVersion)
	}

	if p.MaxAuthorizedExecutionTimeout != 0 && p.MinAuthorizedExecutionTimeout > p.MaxAuthorizedExecutionTimeout {
		return fmt.Errorf("invalid platform properties: maxAuthorizedExecutionTimeout (%d) must be greater than minAuthorizedExecutionTimeout (%d)",
			p.MaxAuthorizedExecutionTimeout, p.MinAuthorizedExecutionTimeout)
	}

	for name, v := range map[string]int64{
		"minAuthorizedExecutionTimeout": p.MinAuthorizedExecutionTimeout,
		"maxAuthorizedExecutionTimeout": p.MaxAuthorizedExecutionTimeout,
		"defaultExecutionTimeout":       p.DefaultExecutionTimeout,
	} {
		if v > MaxTimeoutSeconds {
			return fmt.Errorf("invalid platform properties: %s (%d) must not exceed %d", name, v, MaxTimeoutSeconds)
		}
	}

	if p.Telemetry != nil {
		if err := p.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}

// ValidateDirectories checks that the data and pipeline roots are existing
// directories.
func (p *Platform) ValidateDirectories() error {
	for name, dir := range map[string]string{
		"data":     p.DataDirectory,
		"pipeline": p.PipelineDirectory,
	} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("%s directory %q is not accessible: %w", name, dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s directory %q is not a directory", name, dir)
		}
	}
	return nil
}

// CheckTimeout verifies a requested timeout against the authorized bounds.
// A nil timeout is always accepted.
func (p *Platform) CheckTimeout(timeout *int64) error {
	if timeout == nil {
		return nil
	}
	t := *timeout
	if t < 0 {
		return fmt.Errorf("%w: %d is negative", ErrTimeoutOutOfRange, t)
	}
	if t > MaxTimeoutSeconds {
		return fmt.Errorf("%w: %d is above %d", ErrTimeoutOutOfRange, t, MaxTimeoutSeconds)
	}
	if p.MinAuthorizedExecutionTimeout > 0 && t < p.MinAuthorizedExecutionTimeout {
		return fmt.Errorf("%w: %d is below %d", ErrTimeoutOutOfRange, t, p.MinAuthorizedExecutionTimeout)
	}
	if p.MaxAuthorizedExecutionTimeout > 0 && t > p.MaxAuthorizedExecutionTimeout {
		return fmt.Errorf("%w: %d is above %d", ErrTimeoutOutOfRange, t, p.MaxAuthorizedExecutionTimeout)
	}
	return nil
}

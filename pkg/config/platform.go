package config

import (
	"math"
	"strings"
	"time"

	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// SupportedProtocols lists the transfer protocols a platform may advertise.
var SupportedProtocols = []string{"http", "https", "ftp", "sftp", "ftps", "scp", "webdav"}

// SupportedModules lists the API modules a platform may advertise.
var SupportedModules = []string{"Processing", "Data", "AdvancedData", "Management", "Commercial"}

// MaxTimeoutSeconds is the longest timeout, in seconds, a time.Duration can
// hold.
const MaxTimeoutSeconds = int64(math.MaxInt64 / time.Second)

// Platform holds the platform properties and server settings.
type Platform struct {
	// PlatformName is the advertised name of this server.
	PlatformName string `yaml:"platformName" validate:"required"`

	// PlatformDescription is a free-form description.
	PlatformDescription string `yaml:"platformDescription,omitempty"`

	// Email is the contact address of the platform operators.
	Email string `yaml:"email,omitempty" validate:"omitempty,email"`

	// SupportedAPIVersion is the CARMIN API version implemented.
	SupportedAPIVersion string `yaml:"supportedAPIVersion" validate:"required"`

	// SupportedTransferProtocols must include https.
	SupportedTransferProtocols []string `yaml:"supportedTransferProtocols" validate:"required,min=1,dive,oneof=http https ftp sftp ftps scp webdav"`

	// SupportedModules lists the enabled API modules.
	SupportedModules []string `yaml:"supportedModules" validate:"required,min=1,dive,oneof=Processing Data AdvancedData Management Commercial"`

	// UnsupportedMethods lists modules the platform explicitly does not serve.
	UnsupportedMethods []string `yaml:"unsupportedMethods,omitempty"`

	// SupportedPipelineProperties lists the pipeline property keys understood
	// by the catalog filters.
	SupportedPipelineProperties []string `yaml:"supportedPipelineProperties,omitempty"`

	// MinAuthorizedExecutionTimeout is the lowest timeout, in seconds, a
	// caller may request. Zero disables the lower bound.
	MinAuthorizedExecutionTimeout int64 `yaml:"minAuthorizedExecutionTimeout" validate:"gte=0"`

	// MaxAuthorizedExecutionTimeout is the highest timeout, in seconds, a
	// caller may request. Zero disables the upper bound.
	MaxAuthorizedExecutionTimeout int64 `yaml:"maxAuthorizedExecutionTimeout" validate:"gte=0"`

	// DefaultExecutionTimeout applies when an execution has no timeout.
	// Zero means executions run unbounded.
	DefaultExecutionTimeout int64 `yaml:"defaultExecutionTimeout" validate:"gte=0"`

	// DefaultLimitListExecutions is the page size used when a list request
	// has no limit.
	DefaultLimitListExecutions int `yaml:"defaultLimitListExecutions" validate:"gte=1"`

	// PlatformURL is the public URL root, ending with a slash. Input values
	// of the form <PlatformURL>path/<rel> refer to <DataDirectory>/<rel>.
	PlatformURL string `yaml:"platformURL" validate:"required,url"`

	// DataDirectory is the root of all user sandboxes.
	DataDirectory string `yaml:"dataDirectory" validate:"required"`

	// PipelineDirectory holds one subdirectory per descriptor type.
	PipelineDirectory string `yaml:"pipelineDirectory" validate:"required"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"databasePath" validate:"required"`

	// Workers bounds the number of concurrently supervised executions.
	Workers int `yaml:"workers" validate:"gte=1"`

	// BoshPath is the boutiques command line tool.
	BoshPath string `yaml:"boshPath" validate:"required"`

	// AccessPolicyPath is an optional Rego module replacing the default
	// execution access rules.
	AccessPolicyPath string `yaml:"accessPolicyPath,omitempty"`

	// KillGrace is the window between the terminate and kill signals.
	KillGrace time.Duration `yaml:"killGrace" validate:"gte=0"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DefaultPlatform returns the properties the reference CARMIN server ships with.
func DefaultPlatform() *Platform {
	return &Platform{
		PlatformName:                  "CARMIN Server 0.1",
		PlatformDescription:           "A lightweight implementation of the CARMIN 0.3 API Specification",
		Email:                         "carmin@googlegroups.com",
		SupportedAPIVersion:           "0.3",
		SupportedTransferProtocols:    []string{"http", "https"},
		SupportedModules:              []string{"Processing", "Data", "AdvancedData"},
		UnsupportedMethods:            []string{"Management", "Commercial"},
		SupportedPipelineProperties:   []string{"Prop1", "Prop2", "Prop3"},
		MinAuthorizedExecutionTimeout: 2,
		MaxAuthorizedExecutionTimeout: 0,
		DefaultExecutionTimeout:       16384,
		DefaultLimitListExecutions:    10,
		PlatformURL:                   "http://localhost:8080/",
		DatabasePath:                  "carmin.db",
		Workers:                       4,
		BoshPath:                      "bosh",
		KillGrace:                     2 * time.Second,
		Telemetry:                     telemetry.DefaultConfig(),
	}
}

// PathURLPrefix returns the URL prefix that maps onto DataDirectory.
func (p *Platform) PathURLPrefix() string {
	root := p.PlatformURL
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root + "path/"
}

// EffectiveTimeout returns the wait bound for an execution. A nil timeout
// falls back to DefaultExecutionTimeout; a zero result means unbounded.
func (p *Platform) EffectiveTimeout(timeout *int64) time.Duration {
	seconds := p.DefaultExecutionTimeout
	if timeout != nil {
		seconds = *timeout
	}
	if seconds <= 0 {
		return 0
	}
	if seconds > MaxTimeoutSeconds {
		seconds = MaxTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Package config loads and validates the platform properties of a CARMIN
// server.
//
// # Overview
//
// A Platform is built once at boot by Load and then passed by pointer to
// every component constructor. Nothing in the server reads configuration
// from package-level state.
//
// Load reads a YAML file (or starts from DefaultPlatform when the path is
// empty), applies environment overrides and validates the result:
//
//	CARMIN_DATA_DIRECTORY      data root holding per-user sandboxes
//	CARMIN_PIPELINE_DIRECTORY  root of descriptor subdirectories
//	CARMIN_DATABASE_PATH       SQLite database file
//
// # Validation
//
// Field rules are expressed as validator tags. Cross-field rules follow the
// CARMIN 0.3 API: https must be a supported transfer protocol and a non-zero
// maximum execution timeout must not be lower than the minimum.
// ValidateDirectories checks that the data and pipeline directories exist and
// is run by the serve command before anything else.
//
// # Usage Example
//
//	platform, err := config.Load("server-config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := platform.ValidateDirectories(); err != nil {
//	    log.Fatal(err)
//	}
package config

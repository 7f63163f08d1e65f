// Package sandbox manages the on-disk directory tree of executions.
//
// Every execution owns <dataRoot>/<username>/executions/<executionId>/. Files
// the pipeline writes there are its results. Server bookkeeping lives in the
// hidden metadata folder inside it, which result listings skip.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directory and file names of the execution layout.
const (
	ExecutionsDirname      = "executions"
	MetadataDirname        = ".carmin-files"
	InputsFilename         = "inputs.json"
	AbsoluteInputsFilename = "inputs-absolute.json"
	DescriptorFilename     = "descriptor.json"
	PipelineFilename       = "pipeline.json"
	StdoutFilename         = "stdout.txt"
	StderrFilename         = "stderr.txt"
)

var (
	// ErrUnauthorized is returned for paths resolving outside the sandbox.
	ErrUnauthorized = errors.New("path outside of sandbox")

	// ErrDirectoryExists means an execution directory was already present.
	// Execution identifiers are unique, so this is a broken invariant.
	ErrDirectoryExists = errors.New("execution directory already exists")

	// ErrNotFound is returned when an execution directory or file is missing.
	ErrNotFound = errors.New("sandbox path does not exist")
)

// Manager allocates and inspects execution directories under a data root.
type Manager struct {
	dataRoot  string
	urlPrefix string
}

// NewManager creates a manager for dataRoot. pathURLPrefix is the platform
// URL that maps onto dataRoot, such as "http://host/path/".
func NewManager(dataRoot, pathURLPrefix string) (*Manager, error) {
	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	return &Manager{dataRoot: resolved, urlPrefix: pathURLPrefix}, nil
}

// DataRoot returns the resolved data root.
func (m *Manager) DataRoot() string {
	return m.dataRoot
}

// UserRoot returns the sandbox root of a user.
func (m *Manager) UserRoot(username string) string {
	return filepath.Join(m.dataRoot, username)
}

// ExecutionDir returns the directory of an execution.
func (m *Manager) ExecutionDir(username, executionID string) string {
	return filepath.Join(m.UserRoot(username), ExecutionsDirname, executionID)
}

// MetadataDir returns the metadata folder of an execution.
func (m *Manager) MetadataDir(username, executionID string) string {
	return filepath.Join(m.ExecutionDir(username, executionID), MetadataDirname)
}

// MetadataFile returns the path of a file in the metadata folder.
func (m *Manager) MetadataFile(username, executionID, name string) string {
	return filepath.Join(m.MetadataDir(username, executionID), name)
}

// CreateExecutionDirectory creates the execution directory and its metadata
// folder, returning both paths.
func (m *Manager) CreateExecutionDirectory(username, executionID string) (string, string, error) {
	if err := checkElement(username); err != nil {
		return "", "", err
	}
	if err := checkElement(executionID); err != nil {
		return "", "", err
	}

	executions := filepath.Join(m.UserRoot(username), ExecutionsDirname)
	if err := os.MkdirAll(executions, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create executions directory: %w", err)
	}
	if err := m.confine(username, executions); err != nil {
		return "", "", err
	}

	execDir := filepath.Join(executions, executionID)
	if err := os.Mkdir(execDir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("%w: %s", ErrDirectoryExists, execDir)
		}
		return "", "", fmt.Errorf("failed to create execution directory: %w", err)
	}

	metaDir := filepath.Join(execDir, MetadataDirname)
	if err := os.Mkdir(metaDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return execDir, metaDir, nil
}

// DeleteExecutionDirectory removes an execution directory recursively. A
// missing directory is not an error.
func (m *Manager) DeleteExecutionDirectory(username, executionID string) error {
	if err := checkElement(username); err != nil {
		return err
	}
	if err := checkElement(executionID); err != nil {
		return err
	}

	dir := m.ExecutionDir(username, executionID)
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := m.confine(username, filepath.Dir(dir)); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

// confine checks that path, after resolving symlinks, stays inside the
// user's sandbox root.
func (m *Manager) confine(username, path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	root := m.UserRoot(username)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, path)
	}
	return nil
}

func checkElement(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: invalid path element %q", ErrUnauthorized, name)
	}
	return nil
}

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
)

// WriteInputsFile stores the caller's input values as given.
func (m *Manager) WriteInputsFile(username, executionID string, values map[string]any) error {
	return writeJSON(m.MetadataFile(username, executionID, InputsFilename), values)
}

// LoadInputs reads back the caller's input values.
func (m *Manager) LoadInputs(username, executionID string) (map[string]any, error) {
	data, err := os.ReadFile(m.MetadataFile(username, executionID, InputsFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: inputs of execution %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs: %w", err)
	}
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse inputs: %w", err)
	}
	return values, nil
}

// WriteAbsolutePathInputs writes a copy of values in which every
// non-returned File parameter of p is rewritten from a platform URL to a
// filesystem path. It returns the path of the written file.
func (m *Manager) WriteAbsolutePathInputs(username, executionID string, values map[string]any, p *descriptor.Pipeline) (string, error) {
	rewritten := make(map[string]any, len(values))
	for k, v := range values {
		rewritten[k] = v
	}

	for _, name := range p.FileInputs() {
		v, ok := values[name]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case string:
			path, err := m.ResolvePlatformPath(x)
			if err != nil {
				return "", err
			}
			rewritten[name] = path
		case []any:
			paths := make([]any, 0, len(x))
			for _, item := range x {
				s, ok := item.(string)
				if !ok {
					return "", fmt.Errorf("input %q has a non-string file entry", name)
				}
				path, err := m.ResolvePlatformPath(s)
				if err != nil {
					return "", err
				}
				paths = append(paths, path)
			}
			rewritten[name] = paths
		}
	}

	path := m.MetadataFile(username, executionID, AbsoluteInputsFilename)
	if err := writeJSON(path, rewritten); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveAbsolutePathInputs deletes the absolute-path inputs file if present.
func (m *Manager) RemoveAbsolutePathInputs(username, executionID string) error {
	err := os.Remove(m.MetadataFile(username, executionID, AbsoluteInputsFilename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove absolute inputs: %w", err)
	}
	return nil
}

// ResolvePlatformPath maps "<platformURL>path/<rel>" to "<dataRoot>/<rel>".
// Values without the URL prefix are taken relative to the data root.
func (m *Manager) ResolvePlatformPath(value string) (string, error) {
	rel := strings.TrimPrefix(value, m.urlPrefix)
	path := filepath.Join(m.dataRoot, filepath.FromSlash(rel))
	if path != m.dataRoot && !strings.HasPrefix(path, m.dataRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, value)
	}
	return path, nil
}

// PlatformURL maps a path under the data root back to its platform URL.
func (m *Manager) PlatformURL(path string) (string, error) {
	rel, err := filepath.Rel(m.dataRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, path)
	}
	return m.urlPrefix + filepath.ToSlash(rel), nil
}

// MissingInputFile returns the first File input value of p that does not
// exist on disk, or "" when all do.
func (m *Manager) MissingInputFile(values map[string]any, p *descriptor.Pipeline) (string, error) {
	for _, param := range p.Parameters {
		if param.Type != descriptor.ParameterFile {
			continue
		}
		v, ok := values[param.Name]
		if !ok {
			continue
		}

		var candidates []string
		switch x := v.(type) {
		case string:
			candidates = []string{x}
		case []any:
			for _, item := range x {
				if s, ok := item.(string); ok {
					candidates = append(candidates, s)
				}
			}
		default:
			return fmt.Sprint(v), nil
		}

		for _, c := range candidates {
			path, err := m.ResolvePlatformPath(c)
			if err != nil {
				return "", err
			}
			if _, err := os.Stat(path); err != nil {
				return c, nil
			}
		}
	}
	return "", nil
}

// CopyDescriptorIntoExecutionDir snapshots the vendor descriptor and the
// canonical pipeline document into the metadata folder.
func (m *Manager) CopyDescriptorIntoExecutionDir(username, executionID, descriptorPath, pipelinePath string) error {
	if err := copyFile(descriptorPath, m.MetadataFile(username, executionID, DescriptorFilename)); err != nil {
		return fmt.Errorf("failed to copy descriptor: %w", err)
	}
	if err := copyFile(pipelinePath, m.MetadataFile(username, executionID, PipelineFilename)); err != nil {
		return fmt.Errorf("failed to copy pipeline: %w", err)
	}
	return nil
}

// OutputFiles lists every file of an execution directory outside the
// metadata folder, sorted.
func (m *Manager) OutputFiles(username, executionID string) ([]string, error) {
	dir := m.ExecutionDir(username, executionID)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat execution directory: %w", err)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == MetadataDirname && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadStdFile returns the content of stdout.txt or stderr.txt.
func (m *Manager) ReadStdFile(username, executionID, name string) ([]byte, error) {
	if name != StdoutFilename && name != StderrFilename {
		return nil, fmt.Errorf("%w: %s is not a std file", ErrUnauthorized, name)
	}
	data, err := os.ReadFile(m.MetadataFile(username, executionID, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// OpenStdFiles creates stdout.txt and stderr.txt for a new process.
func (m *Manager) OpenStdFiles(username, executionID string) (*os.File, *os.File, error) {
	stdout, err := os.Create(m.MetadataFile(username, executionID, StdoutFilename))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout file: %w", err)
	}
	stderr, err := os.Create(m.MetadataFile(username, executionID, StderrFilename))
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("failed to create stderr file: %w", err)
	}
	return stdout, stderr, nil
}

// AppendStderr appends a line to stderr.txt, creating it if needed.
func (m *Manager) AppendStderr(username, executionID, line string) error {
	f, err := os.OpenFile(m.MetadataFile(username, executionID, StderrFilename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stderr file: %w", err)
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to stderr file: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

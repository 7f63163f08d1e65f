package sandbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
)

const urlPrefix = "http://localhost:8080/path/"

func setupManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), urlPrefix)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func testPipeline() *descriptor.Pipeline {
	return &descriptor.Pipeline{
		Identifier: "pipe",
		Parameters: []descriptor.Parameter{
			{Name: "input", Type: descriptor.ParameterFile},
			{Name: "extra", Type: descriptor.ParameterFile, IsOptional: true},
			{Name: "name", Type: descriptor.ParameterString},
			{Name: "output", Type: descriptor.ParameterFile, IsReturnedValue: true},
		},
	}
}

func TestCreateExecutionDirectory(t *testing.T) {
	m := setupManager(t)

	execDir, metaDir, err := m.CreateExecutionDirectory("jane", "exec-1")
	if err != nil {
		t.Fatalf("CreateExecutionDirectory() error = %v", err)
	}

	wantExec := filepath.Join(m.DataRoot(), "jane", "executions", "exec-1")
	if execDir != wantExec {
		t.Errorf("execDir = %q, want %q", execDir, wantExec)
	}
	if metaDir != filepath.Join(wantExec, MetadataDirname) {
		t.Errorf("metaDir = %q", metaDir)
	}
	if info, err := os.Stat(metaDir); err != nil || !info.IsDir() {
		t.Errorf("metadata directory not created: %v", err)
	}

	_, _, err = m.CreateExecutionDirectory("jane", "exec-1")
	if !errors.Is(err, ErrDirectoryExists) {
		t.Errorf("second create error = %v, want ErrDirectoryExists", err)
	}
}

func TestCreateExecutionDirectoryRejectsEscapes(t *testing.T) {
	m := setupManager(t)

	for _, tc := range []struct{ user, id string }{
		{"..", "exec"},
		{"jane", "../../etc"},
		{"a/b", "exec"},
		{"", "exec"},
		{"jane", ""},
	} {
		if _, _, err := m.CreateExecutionDirectory(tc.user, tc.id); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("CreateExecutionDirectory(%q, %q) error = %v, want ErrUnauthorized", tc.user, tc.id, err)
		}
	}
}

func TestCreateExecutionDirectoryRejectsSymlinkedExecutions(t *testing.T) {
	m := setupManager(t)
	outside := t.TempDir()

	if err := os.MkdirAll(m.UserRoot("jane"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(m.UserRoot("jane"), ExecutionsDirname)); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.CreateExecutionDirectory("jane", "exec-1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestDeleteExecutionDirectoryIsIdempotent(t *testing.T) {
	m := setupManager(t)
	execDir, _, err := m.CreateExecutionDirectory("jane", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(execDir, "out.txt"), []byte("x"), 0644)

	if err := m.DeleteExecutionDirectory("jane", "exec-1"); err != nil {
		t.Fatalf("DeleteExecutionDirectory() error = %v", err)
	}
	if _, err := os.Stat(execDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("directory still present: %v", err)
	}
	if err := m.DeleteExecutionDirectory("jane", "exec-1"); err != nil {
		t.Errorf("second delete error = %v, want nil", err)
	}
}

func TestInputsFiles(t *testing.T) {
	m := setupManager(t)
	if _, _, err := m.CreateExecutionDirectory("jane", "exec-1"); err != nil {
		t.Fatal(err)
	}

	values := map[string]any{
		"input": urlPrefix + "jane/data/in.txt",
		"extra": []any{urlPrefix + "jane/a.txt", "jane/b.txt"},
		"name":  urlPrefix + "not/a/file",
	}
	if err := m.WriteInputsFile("jane", "exec-1", values); err != nil {
		t.Fatalf("WriteInputsFile() error = %v", err)
	}

	loaded, err := m.LoadInputs("jane", "exec-1")
	if err != nil {
		t.Fatalf("LoadInputs() error = %v", err)
	}
	if !reflect.DeepEqual(loaded, values) {
		t.Errorf("LoadInputs() = %v, want %v", loaded, values)
	}

	path, err := m.WriteAbsolutePathInputs("jane", "exec-1", values, testPipeline())
	if err != nil {
		t.Fatalf("WriteAbsolutePathInputs() error = %v", err)
	}
	if filepath.Base(path) != AbsoluteInputsFilename {
		t.Errorf("absolute inputs path = %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var abs map[string]any
	if err := json.Unmarshal(data, &abs); err != nil {
		t.Fatal(err)
	}

	root := m.DataRoot()
	if abs["input"] != filepath.Join(root, "jane", "data", "in.txt") {
		t.Errorf("input = %v", abs["input"])
	}
	wantExtra := []any{filepath.Join(root, "jane", "a.txt"), filepath.Join(root, "jane", "b.txt")}
	if !reflect.DeepEqual(abs["extra"], wantExtra) {
		t.Errorf("extra = %v, want %v", abs["extra"], wantExtra)
	}
	if abs["name"] != values["name"] {
		t.Errorf("non-file input rewritten: %v", abs["name"])
	}

	if err := m.RemoveAbsolutePathInputs("jane", "exec-1"); err != nil {
		t.Fatalf("RemoveAbsolutePathInputs() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("absolute inputs file still present")
	}
	if err := m.RemoveAbsolutePathInputs("jane", "exec-1"); err != nil {
		t.Errorf("second remove error = %v", err)
	}
}

func TestLoadInputsMissing(t *testing.T) {
	m := setupManager(t)
	if _, err := m.LoadInputs("jane", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadInputs() error = %v, want ErrNotFound", err)
	}
}

func TestResolvePlatformPath(t *testing.T) {
	m := setupManager(t)

	got, err := m.ResolvePlatformPath(urlPrefix + "jane/in.txt")
	if err != nil || got != filepath.Join(m.DataRoot(), "jane", "in.txt") {
		t.Errorf("ResolvePlatformPath() = %q, %v", got, err)
	}

	if _, err := m.ResolvePlatformPath(urlPrefix + "../../etc/passwd"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("traversal error = %v, want ErrUnauthorized", err)
	}

	u, err := m.PlatformURL(filepath.Join(m.DataRoot(), "jane", "out.txt"))
	if err != nil || u != urlPrefix+"jane/out.txt" {
		t.Errorf("PlatformURL() = %q, %v", u, err)
	}
	if _, err := m.PlatformURL("/etc/passwd"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("PlatformURL outside root error = %v", err)
	}
}

func TestMissingInputFile(t *testing.T) {
	m := setupManager(t)
	if err := os.MkdirAll(filepath.Join(m.DataRoot(), "jane"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(m.DataRoot(), "jane", "in.txt"), []byte("x"), 0644)

	p := testPipeline()

	missing, err := m.MissingInputFile(map[string]any{"input": urlPrefix + "jane/in.txt"}, p)
	if err != nil || missing != "" {
		t.Errorf("MissingInputFile(existing) = %q, %v", missing, err)
	}

	absent := urlPrefix + "jane/absent.txt"
	missing, err = m.MissingInputFile(map[string]any{"input": urlPrefix + "jane/in.txt", "extra": []any{absent}}, p)
	if err != nil || missing != absent {
		t.Errorf("MissingInputFile(absent) = %q, %v; want %q", missing, err, absent)
	}

	if _, err := m.MissingInputFile(map[string]any{"input": urlPrefix + "../x"}, p); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("MissingInputFile(traversal) error = %v", err)
	}
}

func TestCopyDescriptorAndOutputs(t *testing.T) {
	m := setupManager(t)
	execDir, _, err := m.CreateExecutionDirectory("jane", "exec-1")
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	desc := filepath.Join(src, "tool.json")
	pipe := filepath.Join(src, "template_tool.json")
	os.WriteFile(desc, []byte(`{"name":"tool"}`), 0644)
	os.WriteFile(pipe, []byte(`{"identifier":"x"}`), 0644)

	if err := m.CopyDescriptorIntoExecutionDir("jane", "exec-1", desc, pipe); err != nil {
		t.Fatalf("CopyDescriptorIntoExecutionDir() error = %v", err)
	}
	if err := m.WriteInputsFile("jane", "exec-1", map[string]any{}); err != nil {
		t.Fatal(err)
	}

	// Later catalog edits must not leak into the snapshot.
	os.WriteFile(desc, []byte(`{"name":"changed"}`), 0644)
	snap, err := os.ReadFile(m.MetadataFile("jane", "exec-1", DescriptorFilename))
	if err != nil || string(snap) != `{"name":"tool"}` {
		t.Errorf("descriptor snapshot = %q, %v", snap, err)
	}

	os.MkdirAll(filepath.Join(execDir, "sub"), 0755)
	os.WriteFile(filepath.Join(execDir, "greeting.txt"), []byte("hi"), 0644)
	os.WriteFile(filepath.Join(execDir, "sub", "more.txt"), []byte("hi"), 0644)

	outputs, err := m.OutputFiles("jane", "exec-1")
	if err != nil {
		t.Fatalf("OutputFiles() error = %v", err)
	}
	want := []string{filepath.Join(execDir, "greeting.txt"), filepath.Join(execDir, "sub", "more.txt")}
	if !reflect.DeepEqual(outputs, want) {
		t.Errorf("OutputFiles() = %v, want %v", outputs, want)
	}

	if _, err := m.OutputFiles("jane", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OutputFiles(missing) error = %v", err)
	}
}

func TestStdFiles(t *testing.T) {
	m := setupManager(t)
	if _, _, err := m.CreateExecutionDirectory("jane", "exec-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ReadStdFile("jane", "exec-1", StdoutFilename); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadStdFile() before creation error = %v", err)
	}

	stdout, stderr, err := m.OpenStdFiles("jane", "exec-1")
	if err != nil {
		t.Fatalf("OpenStdFiles() error = %v", err)
	}
	stdout.WriteString("out\n")
	stderr.WriteString("err\n")
	stdout.Close()
	stderr.Close()

	if err := m.AppendStderr("jane", "exec-1", "Execution timed out after 1 seconds"); err != nil {
		t.Fatalf("AppendStderr() error = %v", err)
	}

	data, err := m.ReadStdFile("jane", "exec-1", StderrFilename)
	if err != nil {
		t.Fatalf("ReadStdFile() error = %v", err)
	}
	if string(data) != "err\nExecution timed out after 1 seconds\n" {
		t.Errorf("stderr = %q", data)
	}

	if _, err := m.ReadStdFile("jane", "exec-1", InputsFilename); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ReadStdFile(inputs) error = %v, want ErrUnauthorized", err)
	}
	if !strings.HasSuffix(m.MetadataFile("jane", "exec-1", StdoutFilename), filepath.Join(MetadataDirname, StdoutFilename)) {
		t.Error("MetadataFile() layout mismatch")
	}
}

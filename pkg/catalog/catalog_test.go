package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
)

const helloTemplate = `{
  "name": "hello",
  "tool-version": "1.0",
  "command-line": "echo [NAME] > hello.txt",
  "inputs": [{"id": "name", "name": "Name", "type": "String", "value-key": "[NAME]"}],
  "output-files": [{"id": "hello", "name": "Hello", "path-template": "hello.txt"}],
  "tags": {"Prop1": "alpha"}
}`

const byeTemplate = `{
  "name": "bye",
  "tool-version": "2.0",
  "command-line": "echo bye",
  "inputs": [],
  "tags": {"Prop1": "beta"}
}`

func setupPipelineDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, string(descriptor.KindTemplate))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(dir, "hello.json"), helloTemplate)
	write(t, filepath.Join(dir, "bye.json"), byeTemplate)
	write(t, filepath.Join(dir, ".hidden.json"), `not json`)
	return root
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIdentifierIsStable(t *testing.T) {
	a := Identifier(descriptor.KindTemplate, "hello.json")
	b := Identifier(descriptor.KindTemplate, "hello.json")
	c := Identifier(descriptor.KindBoutiques, "hello.json")

	if a != b {
		t.Errorf("Identifier() not stable: %s != %s", a, b)
	}
	if a == c {
		t.Error("Identifier() should differ between kinds")
	}
}

func TestExportAllAndLookup(t *testing.T) {
	root := setupPipelineDir(t)
	c := New(root, descriptor.DefaultRegistry("bosh"), nil)

	if err := c.ExportAll(context.Background()); err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "template_hello.json")); err != nil {
		t.Errorf("canonical file not written: %v", err)
	}

	id := Identifier(descriptor.KindTemplate, "hello.json")
	e, err := c.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if e.Kind != descriptor.KindTemplate {
		t.Errorf("Kind = %s, want template", e.Kind)
	}
	if e.Pipeline.Name != "hello" {
		t.Errorf("Name = %q, want hello", e.Pipeline.Name)
	}
	if e.DescriptorPath != filepath.Join(root, "template", "hello.json") {
		t.Errorf("DescriptorPath = %q", e.DescriptorPath)
	}
	if e.CanonicalPath != filepath.Join(root, "template_hello.json") {
		t.Errorf("CanonicalPath = %q", e.CanonicalPath)
	}

	if _, err := c.Lookup("nope"); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("Lookup(nope) error = %v, want ErrPipelineNotFound", err)
	}
}

func TestExportAllFailsOnInvalidDescriptor(t *testing.T) {
	root := setupPipelineDir(t)
	write(t, filepath.Join(root, "template", "broken.json"), `{"name": "broken"}`)

	c := New(root, descriptor.DefaultRegistry("bosh"), nil)
	if err := c.ExportAll(context.Background()); err == nil {
		t.Error("expected ExportAll() to fail on an invalid descriptor")
	}
}

func TestList(t *testing.T) {
	root := setupPipelineDir(t)
	c := New(root, descriptor.DefaultRegistry("bosh"), nil)
	if err := c.ExportAll(context.Background()); err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}

	studyDir := filepath.Join(root, "study-1")
	if err := os.MkdirAll(studyDir, 0755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(studyDir, "template_study.json"),
		`{"identifier":"study-pipe","name":"study","version":"1","canExecute":true,"parameters":[]}`)
	if err := c.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"bye", "hello", "study"}},
		{name: "by property", filter: Filter{Property: "Prop1"}, want: []string{"bye", "hello"}},
		{name: "by property value", filter: Filter{Property: "Prop1", PropertyValue: "alpha"}, want: []string{"hello"}},
		{name: "by study", filter: Filter{StudyIdentifier: "study-1"}, want: []string{"study"}},
		{name: "unknown study", filter: Filter{StudyIdentifier: "none"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.List(tt.filter)
			var names []string
			for _, p := range got {
				names = append(names, p.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("List() = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, names[i], tt.want[i])
				}
			}
		})
	}
}

func TestWatchRefreshesIndex(t *testing.T) {
	root := setupPipelineDir(t)
	c := New(root, descriptor.DefaultRegistry("bosh"), nil)
	if err := c.ExportAll(context.Background()); err != nil {
		t.Fatalf("ExportAll() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refreshed := make(chan error, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(err error) { refreshed <- err })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	write(t, filepath.Join(root, "template_new.json"),
		`{"identifier":"new-pipe","name":"new","version":"1","canExecute":true,"parameters":[]}`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-refreshed:
			if _, err := c.Lookup("new-pipe"); err == nil {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch() error = %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("watcher did not pick up the new pipeline")
		}
	}
}

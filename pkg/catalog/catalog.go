// Package catalog exports vendor pipeline descriptors into canonical
// pipeline documents and indexes them by identifier.
//
// Vendor documents live under <root>/<kind>/<file>. Exporting writes the
// canonical document to <root>/<kind>_<file>, which is what Lookup and List
// serve. Canonical documents placed in any other subdirectory of root are
// indexed with that subdirectory name as their study.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// ErrPipelineNotFound is returned by Lookup for unknown identifiers.
var ErrPipelineNotFound = errors.New("pipeline not found")

// namespace seeds pipeline identifiers so they are stable across restarts.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/CARMIN-org/CARMIN-server/pipelines"))

// Identifier returns the pipeline identifier of a vendor document.
func Identifier(kind descriptor.Kind, file string) string {
	return uuid.NewSHA1(namespace, []byte(string(kind)+"/"+file)).String()
}

// Entry is one indexed pipeline.
type Entry struct {
	Pipeline       *descriptor.Pipeline
	Kind           descriptor.Kind
	Study          string
	CanonicalPath  string
	DescriptorPath string
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	StudyIdentifier string
	Property        string
	PropertyValue   string
}

// Catalog indexes canonical pipeline documents under a root directory.
type Catalog struct {
	root     string
	registry *descriptor.Registry
	logger   *telemetry.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a catalog rooted at root. Call ExportAll or Refresh to fill it.
func New(root string, registry *descriptor.Registry, logger *telemetry.Logger) *Catalog {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Catalog{
		root:     root,
		registry: registry,
		logger:   logger.NewComponentLogger("catalog"),
		entries:  make(map[string]*Entry),
	}
}

// Root returns the pipeline directory.
func (c *Catalog) Root() string {
	return c.root
}

// ExportAll exports every vendor document of every registered kind, then
// rebuilds the index. Any failure aborts the export.
func (c *Catalog) ExportAll(ctx context.Context) error {
	for _, kind := range c.registry.Kinds() {
		d, err := c.registry.FromType(string(kind))
		if err != nil {
			return err
		}

		files, err := vendorFiles(filepath.Join(c.root, string(kind)))
		if err != nil {
			return err
		}

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			in := filepath.Join(c.root, string(kind), file)
			out := filepath.Join(c.root, fmt.Sprintf("%s_%s", kind, file))
			id := Identifier(kind, file)

			if err := d.Export(ctx, in, out, id); err != nil {
				return fmt.Errorf("failed to export pipeline %s: %w", in, err)
			}
			c.logger.WithDescriptor(string(kind), in).WithField("pipeline_id", id).Debug("pipeline exported")
		}
	}

	return c.Refresh()
}

func vendorFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

// Refresh rebuilds the index from the canonical documents on disk.
func (c *Catalog) Refresh() error {
	entries := make(map[string]*Entry)

	if err := c.scan(c.root, "", entries); err != nil {
		return err
	}

	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to read pipeline directory: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		if _, err := c.registry.FromType(d.Name()); err == nil {
			continue
		}
		if err := c.scan(filepath.Join(c.root, d.Name()), d.Name(), entries); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.WithField("pipelines", len(entries)).Debug("catalog refreshed")
	return nil
}

func (c *Catalog) scan(dir, study string, into map[string]*Entry) error {
	files, err := vendorFiles(dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		if !strings.HasSuffix(file, ".json") {
			continue
		}
		kind, vendorFile, ok := strings.Cut(file, "_")
		if !ok {
			continue
		}
		if _, err := c.registry.FromType(kind); err != nil {
			continue
		}

		path := filepath.Join(dir, file)
		p, err := descriptor.LoadPipeline(path)
		if err != nil {
			return err
		}
		if prev, dup := into[p.Identifier]; dup {
			return fmt.Errorf("pipeline identifier %s is used by both %s and %s", p.Identifier, prev.CanonicalPath, path)
		}
		into[p.Identifier] = &Entry{
			Pipeline:       p,
			Kind:           descriptor.Kind(kind),
			Study:          study,
			CanonicalPath:  path,
			DescriptorPath: filepath.Join(c.root, kind, vendorFile),
		}
	}
	return nil
}

// Lookup returns the entry of a pipeline identifier.
func (c *Catalog) Lookup(identifier string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, identifier)
	}
	return e, nil
}

// List returns the pipelines matching filter, sorted by name then identifier.
func (c *Catalog) List(filter Filter) []*descriptor.Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*descriptor.Pipeline
	for _, e := range c.entries {
		if filter.StudyIdentifier != "" && e.Study != filter.StudyIdentifier {
			continue
		}
		if filter.Property != "" {
			v, ok := e.Pipeline.Properties[filter.Property]
			if !ok {
				continue
			}
			if filter.PropertyValue != "" && fmt.Sprint(v) != filter.PropertyValue {
				continue
			}
		}
		result = append(result, e.Pipeline)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Identifier < result[j].Identifier
	})
	return result
}

// Package descriptor adapts pipeline description formats to the execution
// subsystem.
//
// Each supported format is a Kind with one Descriptor implementation. A
// Descriptor validates an invocation, exports its vendor document into the
// canonical Pipeline JSON and builds the argv that runs it. Kinds are
// dispatched through an explicit Registry; adding a format means adding a
// Kind and registering its implementation.
package descriptor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Kind identifies a descriptor format. It doubles as the name of the
// pipeline subdirectory holding vendor documents of that format.
type Kind string

const (
	// KindBoutiques delegates to the external bosh tool.
	KindBoutiques Kind = "boutiques"
	// KindTemplate is the in-process command-line template format.
	KindTemplate Kind = "template"
)

// ErrUnsupportedDescriptorType is returned when no Descriptor is registered
// for a type string.
var ErrUnsupportedDescriptorType = errors.New("unsupported descriptor type")

// Descriptor is the capability set every descriptor format implements.
type Descriptor interface {
	// Kind returns the format handled by this descriptor.
	Kind() Kind

	// Validate checks the inputs file against the descriptor. A malformed
	// invocation is reported as ok=false with a human-readable detail; err is
	// reserved for failures to perform the check at all.
	Validate(ctx context.Context, descriptorPath, inputsPath string) (ok bool, detail string, err error)

	// Export converts the vendor document at inputPath into canonical
	// pipeline JSON at outputPath, embedding identifier.
	Export(ctx context.Context, inputPath, outputPath, identifier string) error

	// Execute returns the argv running the pipeline, without I/O. It is
	// called after a successful Validate of the same paths. sandboxRoot is
	// the caller's data root, which some formats must mount.
	Execute(sandboxRoot, descriptorPath, inputsPath string) ([]string, error)
}

// Registry maps descriptor kinds to their implementation.
type Registry struct {
	kinds map[Kind]Descriptor
}

// NewRegistry creates a registry with the given descriptors.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{kinds: make(map[Kind]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.kinds[d.Kind()] = d
	}
	return r
}

// DefaultRegistry returns a registry with every built-in kind.
func DefaultRegistry(boshPath string) *Registry {
	return NewRegistry(NewBoutiques(boshPath), NewTemplate())
}

// FromType returns the descriptor for a type string, ignoring case.
func (r *Registry) FromType(typ string) (Descriptor, error) {
	d, ok := r.kinds[Kind(strings.ToLower(typ))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDescriptorType, typ)
	}
	return d, nil
}

// FromPath resolves the descriptor from the name of the directory holding a
// vendor document, e.g. <pipelines>/boutiques/tool.json.
func (r *Registry) FromPath(path string) (Descriptor, error) {
	return r.FromType(filepath.Base(filepath.Dir(path)))
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

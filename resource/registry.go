package resource

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/IvanBrykalov/rastercache/pixel"
)

// Backend is one codec family. Backends are tried in registration order
// among those whose Extensions match the file name.
type Backend struct {
	// Name identifies the family; it also names the family lock.
	Name string
	// Extensions are lower-case, dot-prefixed suffixes, e.g. ".png".
	Extensions []string
	// HasSupport reports, without side effects, whether the backend can
	// handle name. Nil means "any matching extension".
	HasSupport func(name string) bool
	// Open binds an existing file for reading.
	Open func(ctx *Context, name string) (Resource, error)
	// Create binds a new file for writing. Nil marks a read-only backend.
	Create func(ctx *Context, name string, f pixel.ImageFormat, blockSize image.Point, opts Options) (Resource, error)
}

// Registry is an ordered set of backends. The zero value is ready to use.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

var registry Registry

// Register adds b to the process-wide registry.
func Register(b Backend) error { return registry.Register(b) }

// Register adds b. Names must be unique.
func (r *Registry) Register(b Backend) error {
	if b.Name == "" || b.Open == nil {
		return fmt.Errorf("%w: backend needs a name and an Open func", ErrInvalidOption)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.backends {
		if have.Name == b.Name {
			return fmt.Errorf("%w: backend %q already registered", ErrInvalidOption, b.Name)
		}
	}
	exts := make([]string, len(b.Extensions))
	for i, e := range b.Extensions {
		exts[i] = strings.ToLower(e)
	}
	b.Extensions = exts
	r.backends = append(r.backends, b)
	return nil
}

// Candidates returns the backends that claim name, in registration order.
func (r *Registry) Candidates(name string) []Backend {
	ext := strings.ToLower(filepath.Ext(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Backend
	for _, b := range r.backends {
		if !slices.Contains(b.Extensions, ext) {
			continue
		}
		if b.HasSupport != nil && !b.HasSupport(name) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// HasSupport reports whether any registered backend claims name. It does
// not touch the file.
func (r *Registry) HasSupport(name string) bool { return len(r.Candidates(name)) > 0 }

// Names lists registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.backends))
	for i, b := range r.backends {
		out[i] = b.Name
	}
	return out
}

// Open binds name for reading through the first backend that accepts it.
func (c *Context) Open(name string) (Resource, error) {
	cands := c.reg.Candidates(name)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	var errs []error
	for _, b := range cands {
		c.log.Debug("resource: trying backend", "backend", b.Name, "name", name)
		r, err := b.Open(c, name)
		if err == nil {
			c.log.Debug("resource: opened", "backend", b.Name, "name", name, "format", r.Format().String())
			return r, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return nil, errors.Join(errs...)
}

// Create binds name for writing through the first backend that can create
// it. Options get format-derived defaults (ALPHA, INTERLEAVE, PHOTOMETRIC)
// underneath the caller's own values.
func (c *Context) Create(name string, f pixel.ImageFormat, blockSize image.Point, opts Options) (Resource, error) {
	if f.Channels() > 1 && f.Planes > 1 {
		return nil, fmt.Errorf("%w: %s has both multiple channels and multiple planes", ErrInvalidOption, f)
	}
	if f.Planes < 1 || f.Cols < 0 || f.Rows < 0 || f.ChannelType.Size() == 0 {
		return nil, fmt.Errorf("%w: format %s", ErrInvalidOption, f)
	}

	cands := c.reg.Candidates(name)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	full := DefaultCreateOptions(f)
	for k, v := range opts {
		full.Set(k, v)
	}

	var errs []error
	for _, b := range cands {
		if b.Create == nil {
			continue
		}
		c.log.Debug("resource: creating", "backend", b.Name, "name", name, "format", f.String())
		r, err := b.Create(c, name, f, blockSize, full)
		if err == nil {
			return r, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyBackend, name)
	}
	return nil, errors.Join(errs...)
}

// DefaultCreateOptions returns the hints every backend receives for f.
func DefaultCreateOptions(f pixel.ImageFormat) Options {
	o := Options{}
	if f.PixelFormat.HasAlpha() {
		o.Set(OptAlpha, "YES")
	}
	if f.PixelFormat != pixel.Scalar {
		o.Set(OptInterleave, "PIXEL")
	}
	if f.PixelFormat == pixel.RGB || f.PixelFormat == pixel.RGBA {
		o.Set(OptPhotometric, "RGB")
	}
	return o
}

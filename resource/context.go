package resource

import (
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/rastercache/cache"
	"github.com/IvanBrykalov/rastercache/pixel"
)

// DefaultHandleCapacity bounds how many native handles are open at once.
const DefaultHandleCapacity = 200

// ContextOptions configures a Context. Zero values are safe:
//   - HandleCapacity <= 0 => DefaultHandleCapacity
//   - nil Registry        => the process-wide registry
//   - nil Logger          => slog.Default()
//   - nil Metrics         => cache.NoopMetrics
type ContextOptions struct {
	HandleCapacity int
	Registry       *Registry
	Logger         *slog.Logger
	Metrics        cache.Metrics
}

// Context is the backend state shared by every resource: the backend
// registry, one lock per non-thread-safe codec family and the cache that
// bounds open native handles.
type Context struct {
	reg     *Registry
	log     *slog.Logger
	handles *cache.Cache[*native]

	mu       sync.Mutex
	families map[string]*sync.Mutex
}

// NewContext builds an independent context. Most callers use Default.
func NewContext(opt ContextOptions) *Context {
	if opt.HandleCapacity <= 0 {
		opt.HandleCapacity = DefaultHandleCapacity
	}
	if opt.Registry == nil {
		opt.Registry = &registry
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	c := &Context{
		reg:      opt.Registry,
		log:      opt.Logger,
		families: make(map[string]*sync.Mutex),
	}
	c.handles = cache.New(cache.Options[*native]{
		Capacity: int64(opt.HandleCapacity),
		Metrics:  opt.Metrics,
		Logger:   opt.Logger,
		OnEvict: func(_ uint64, n *native, reason cache.EvictReason) {
			if err := n.close(); err != nil {
				c.log.Warn("resource: closing native handle", "name", n.name, "reason", reason.String(), "err", err)
				return
			}
			c.log.Debug("resource: closed native handle", "name", n.name, "reason", reason.String())
		},
	})
	return c
}

var (
	defaultMu  sync.Mutex
	defaultCtx *Context
)

// Default returns the process-wide context, creating it on first use.
func Default() *Context {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCtx == nil {
		defaultCtx = NewContext(ContextOptions{})
	}
	return defaultCtx
}

// Shutdown closes the process-wide context. Every resource opened through
// it must already be closed. A later Default call starts a fresh context;
// registered backends are kept.
func Shutdown() error {
	defaultMu.Lock()
	ctx := defaultCtx
	defaultCtx = nil
	defaultMu.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.Close()
}

// Open binds name for reading via the default context.
func Open(name string) (Resource, error) { return Default().Open(name) }

// Create binds name for writing via the default context.
func Create(name string, f pixel.ImageFormat, blockSize image.Point, opts Options) (Resource, error) {
	return Default().Create(name, f, blockSize, opts)
}

// Registry returns the registry the context dispatches through.
func (c *Context) Registry() *Registry { return c.reg }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.log }

// FamilyLock returns the lock serializing every call into codec family name.
func (c *Context) FamilyLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.families[name]
	if !ok {
		l = new(sync.Mutex)
		c.families[name] = l
	}
	return l
}

// HandleStats reports the native handle cache counters.
func (c *Context) HandleStats() cache.Stats { return c.handles.Stats() }

// Close closes every open native handle.
func (c *Context) Close() error { return c.handles.Close() }

// -------------------- native handles --------------------

// native is a backend object (open file, decoder state) living in the
// handle cache. Its mutex is held for the duration of each use so that
// eviction from another goroutine never closes it mid-call.
type native struct {
	name string

	mu     sync.Mutex
	obj    io.Closer
	closed bool
}

func (n *native) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.obj.Close()
}

// NativeHandle is a resource's token for its cached native object. The
// object is opened on demand, may be closed under handle pressure and is
// reopened transparently on the next Use.
type NativeHandle struct {
	h *cache.Handle[*native]
}

// OpenHandle registers a native object that open produces on demand.
// open runs lazily inside Use, with whatever locks the caller holds.
func (c *Context) OpenHandle(name string, open func() (io.Closer, error)) (*NativeHandle, error) {
	h, err := c.handles.Insert(cache.NewGenerator(1, func() (*native, error) {
		obj, err := open()
		if err != nil {
			return nil, err
		}
		c.log.Debug("resource: opened native handle", "name", name)
		return &native{name: name, obj: obj}, nil
	}))
	if err != nil {
		return nil, err
	}
	return &NativeHandle{h: h}, nil
}

// Use runs fn with the live native object, opening it if needed.
func (nh *NativeHandle) Use(fn func(obj io.Closer) error) error {
	for {
		n, err := nh.h.Value()
		if err != nil {
			return err
		}
		n.mu.Lock()
		if n.closed {
			// Evicted between Value and Lock; the entry regenerates.
			n.mu.Unlock()
			continue
		}
		err = fn(n.obj)
		n.mu.Unlock()
		return err
	}
}

// Resident reports whether the native object is currently open.
func (nh *NativeHandle) Resident() bool { return nh.h.Resident() }

// Release closes the native object and drops the handle.
func (nh *NativeHandle) Release() { nh.h.Release() }

// Package registry maintains the authoritative catalog of executable
// analytics operations. Reads are lock-free against an immutable snapshot
// swapped through an atomic pointer; writes are serialized through a single
// writer mutex, so no reader ever observes a half-updated catalog.
//
// Runtime-submitted functions pass a static-analysis gate and an
// interpreter compile check before registration, and are persisted with
// creator, timestamp, and content hash for audit.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shisetsu-ai/bunki/internal/integrity"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/storage"
)

// Result is a successful operation execution: per-series metric values plus
// any series-level warnings raised while computing them.
type Result struct {
	Metrics  map[string]map[string]any
	Warnings []string
}

// Handler executes one operation against the canonical payload. params holds
// only the bound declared parameters; handlers never see undeclared keys.
// Handlers must be pure and must not retain c or params past the call.
type Handler func(ctx context.Context, c *payload.Canonical, params map[string]any) (*Result, error)

// Entry pairs a descriptor with its executable handler.
type Entry struct {
	Descriptor model.FunctionDescriptor
	Handler    Handler
}

// snapshot is one immutable registry state. Mutation builds a successor
// with generation+1 and swaps it in; existing readers keep the version they
// loaded.
type snapshot struct {
	generation uint64
	entries    map[string]Entry
}

// Store is the persistence surface the registry needs for dynamic
// functions. Satisfied by *storage.DB; nil disables durability.
type Store interface {
	SaveFunction(ctx context.Context, fn storage.StoredFunction) error
	DeleteFunction(ctx context.Context, name string) error
	ListFunctions(ctx context.Context) ([]storage.StoredFunction, error)
	AppendAudit(ctx context.Context, entry model.FunctionAuditEntry) (int64, error)
}

// Registry is the live function catalog.
type Registry struct {
	mu      sync.Mutex // serializes writers; readers never take it
	current atomic.Pointer[snapshot]
	store   Store
	logger  *slog.Logger
}

// New returns an empty registry. store may be nil for an in-memory catalog
// (builtins only, nothing durable).
func New(store Store, logger *slog.Logger) *Registry {
	r := &Registry{store: store, logger: logger}
	r.current.Store(&snapshot{entries: map[string]Entry{}})
	return r
}

// Register adds a descriptor/handler pair to the catalog. Fails with
// InvalidInput on a malformed descriptor and Conflict when the name is
// already registered.
func (r *Registry) Register(desc model.FunctionDescriptor, h Handler) error {
	if err := model.ValidateDescriptor(desc); err != nil {
		return err
	}
	if h == nil {
		return model.Ef(model.KindInvalidInput, "function %q has no handler", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.entries[desc.Name]; exists {
		return model.Ef(model.KindConflict, "function %q is already registered", desc.Name)
	}
	next := &snapshot{
		generation: cur.generation + 1,
		entries:    make(map[string]Entry, len(cur.entries)+1),
	}
	for name, e := range cur.entries {
		next.entries[name] = e
	}
	next.entries[desc.Name] = Entry{Descriptor: desc, Handler: h}
	r.current.Store(next)
	return nil
}

// unregister removes a name, for rolling back a registration whose
// persistence failed.
func (r *Registry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.entries[name]; !exists {
		return
	}
	next := &snapshot{
		generation: cur.generation + 1,
		entries:    make(map[string]Entry, len(cur.entries)-1),
	}
	for n, e := range cur.entries {
		if n != name {
			next.entries[n] = e
		}
	}
	r.current.Store(next)
}

// List returns every registered descriptor sorted by name. The slice is a
// fresh copy; callers may keep it.
func (r *Registry) List() []model.FunctionDescriptor {
	cur := r.current.Load()
	out := make([]model.FunctionDescriptor, 0, len(cur.entries))
	for _, e := range cur.entries {
		out = append(out, e.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the descriptor for name, or NotFound.
func (r *Registry) Get(name string) (model.FunctionDescriptor, error) {
	if e, ok := r.Lookup(name); ok {
		return e.Descriptor, nil
	}
	return model.FunctionDescriptor{}, model.Ef(model.KindNotFound, "function %q is not registered", name)
}

// Lookup returns the full entry for name. Lock-free.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.current.Load().entries[name]
	return e, ok
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	return len(r.current.Load().entries)
}

// Generation returns the current snapshot's generation counter. It
// increases by one per successful mutation and appears in logs so
// operators can correlate catalog changes.
func (r *Registry) Generation() uint64 {
	return r.current.Load().generation
}

// AddDynamic validates, gates, compiles, registers, and persists a runtime
// code submission. Every rejection writes an audit row carrying the reason;
// a persistence failure rolls the in-memory registration back so the
// catalog and the store never disagree.
func (r *Registry) AddDynamic(ctx context.Context, fn model.DynamicFunction) (model.FunctionDescriptor, error) {
	now := time.Now().UTC()
	desc := model.FunctionDescriptor{
		Name:        fn.Name,
		Description: fn.Description,
		Patterns:    fn.Patterns,
		Parameters:  fn.Parameters,
		Added:       now,
		Dynamic:     true,
		Creator:     fn.Creator,
		ContentHash: integrity.ContentHash(fn.Name, fn.Source, fn.Creator, now),
	}

	if err := model.ValidateDescriptor(desc); err != nil {
		return model.FunctionDescriptor{}, r.reject(ctx, desc, err)
	}
	if strings.TrimSpace(fn.Source) == "" {
		return model.FunctionDescriptor{}, r.reject(ctx, desc,
			model.Ef(model.KindInvalidInput, "function %q has empty source", fn.Name))
	}
	if len(fn.Source) > model.MaxSourceBytes {
		return model.FunctionDescriptor{}, r.reject(ctx, desc,
			model.Ef(model.KindInvalidInput, "source exceeds %d bytes", model.MaxSourceBytes))
	}
	if err := CheckSource(fn.Source); err != nil {
		return model.FunctionDescriptor{}, r.reject(ctx, desc, err)
	}
	if err := Compile(ctx, fn.Source); err != nil {
		return model.FunctionDescriptor{}, r.reject(ctx, desc, err)
	}

	if err := r.Register(desc, DynamicHandler(fn.Source)); err != nil {
		return model.FunctionDescriptor{}, r.reject(ctx, desc, err)
	}

	if r.store != nil {
		if err := r.store.SaveFunction(ctx, storage.StoredFunction{Descriptor: desc, Source: fn.Source}); err != nil {
			r.unregister(desc.Name)
			return model.FunctionDescriptor{}, fmt.Errorf("registry: persist function %q: %w", desc.Name, err)
		}
	}

	r.audit(ctx, model.FunctionAuditEntry{
		FunctionName: desc.Name,
		Action:       model.AuditRegistered,
		Creator:      desc.Creator,
		ContentHash:  desc.ContentHash,
	})
	r.logger.Info("dynamic function registered",
		"function", desc.Name,
		"creator", desc.Creator,
		"generation", r.Generation(),
	)
	return desc, nil
}

// ReloadPersisted loads every stored dynamic function through the same
// gate and compile path as a fresh submission, verifying the stored content
// hash first. A function that no longer passes is skipped with a
// reload_failed audit row, never a startup failure. Returns the number
// reloaded.
func (r *Registry) ReloadPersisted(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	stored, err := r.store.ListFunctions(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: list persisted functions: %w", err)
	}

	loaded := 0
	for _, sf := range stored {
		if err := r.reloadOne(ctx, sf); err != nil {
			r.logger.Warn("persisted function failed reload",
				"function", sf.Descriptor.Name,
				"error", err,
			)
			r.audit(ctx, model.FunctionAuditEntry{
				FunctionName: sf.Descriptor.Name,
				Action:       model.AuditReloadFailed,
				Creator:      sf.Descriptor.Creator,
				ContentHash:  sf.Descriptor.ContentHash,
				Detail:       model.DetailOf(err),
			})
			continue
		}
		r.audit(ctx, model.FunctionAuditEntry{
			FunctionName: sf.Descriptor.Name,
			Action:       model.AuditReloaded,
			Creator:      sf.Descriptor.Creator,
			ContentHash:  sf.Descriptor.ContentHash,
		})
		loaded++
	}
	if loaded > 0 {
		r.logger.Info("dynamic functions reloaded", "count", loaded, "skipped", len(stored)-loaded)
	}
	return loaded, nil
}

func (r *Registry) reloadOne(ctx context.Context, sf storage.StoredFunction) error {
	d := sf.Descriptor
	if !integrity.VerifyContentHash(d.ContentHash, d.Name, sf.Source, d.Creator, d.Added) {
		return model.Ef(model.KindSecurityViolation, "stored content hash does not match source for %q", d.Name)
	}
	if err := CheckSource(sf.Source); err != nil {
		return err
	}
	if err := Compile(ctx, sf.Source); err != nil {
		return err
	}
	return r.Register(d, DynamicHandler(sf.Source))
}

// reject records the rejection in the audit trail and returns cause
// unchanged. Audit write failures are logged, never masking the verdict.
func (r *Registry) reject(ctx context.Context, desc model.FunctionDescriptor, cause error) error {
	r.audit(ctx, model.FunctionAuditEntry{
		FunctionName: desc.Name,
		Action:       model.AuditRejected,
		Creator:      desc.Creator,
		ContentHash:  desc.ContentHash,
		Detail:       model.DetailOf(cause),
	})
	r.logger.Info("dynamic function rejected",
		"function", desc.Name,
		"creator", desc.Creator,
		"kind", string(model.KindOf(cause)),
		"reason", model.DetailOf(cause),
	)
	return cause
}

func (r *Registry) audit(ctx context.Context, entry model.FunctionAuditEntry) {
	if r.store == nil {
		return
	}
	if _, err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("audit append failed",
			"function", entry.FunctionName,
			"action", string(entry.Action),
			"error", err,
		)
	}
}

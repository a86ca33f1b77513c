// Package registry is the multi-kernel registry: it maps opaque kernel
// ids to managers, so a single process can run many kernels
// concurrently.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"jupyterctl/kernelspec"
	"jupyterctl/kerrors"
	"jupyterctl/manager"
	"jupyterctl/provisioner"
)

// ShutdownFailure records one kernel's failure to shut down cleanly
// during ShutdownAll.
type ShutdownFailure struct {
	ID  string
	Err error
}

// Registry owns zero or more running kernels, each addressed by an
// opaque id minted at start time.
type Registry struct {
	Resolver *kernelspec.Resolver
	Provs    *provisioner.Registry
	Logger   *log.Logger

	mu      sync.RWMutex
	kernels map[string]*manager.Manager
}

// New builds an empty registry over the given kernel-spec resolver and
// provisioner registry.
func New(resolver *kernelspec.Resolver, provs *provisioner.Registry, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		Resolver: resolver,
		Provs:    provs,
		Logger:   logger,
		kernels:  make(map[string]*manager.Manager),
	}
}

// StartKernel resolves name via the kernel-spec resolver, obtains a
// provisioner instance named provisionerName (empty defaults to
// "local"), builds a manager, starts it, registers it under a freshly
// minted id, and returns that id.
func (r *Registry) StartKernel(ctx context.Context, name, provisionerName string) (string, error) {
	spec, err := r.Resolver.GetKernelSpec(name)
	if err != nil {
		return "", err
	}
	if provisionerName == "" {
		provisionerName = "local"
	}
	prov, err := r.Provs.New(provisionerName)
	if err != nil {
		return "", err
	}

	m := manager.New(*spec, prov, r.Logger)
	if err := m.StartKernel(ctx, ""); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.kernels[id] = m
	r.mu.Unlock()
	return id, nil
}

// Get returns the manager registered under id.
func (r *Registry) Get(id string) (*manager.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.kernels[id]
	if !ok {
		return nil, kerrors.New(kerrors.NoSuchKernel, "", "", "no kernel registered under id "+id)
	}
	return m, nil
}

// ListIDs returns every currently registered kernel id, in no
// particular order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.kernels))
	for id := range r.kernels {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown shuts down and deregisters the kernel under id.
func (r *Registry) Shutdown(ctx context.Context, id string, now bool) error {
	r.mu.Lock()
	m, ok := r.kernels[id]
	if ok {
		delete(r.kernels, id)
	}
	r.mu.Unlock()
	if !ok {
		return kerrors.New(kerrors.NoSuchKernel, "", "", "no kernel registered under id "+id)
	}
	return m.ShutdownKernel(ctx, now)
}

// Restart restarts the kernel under id in place; its id is unchanged.
func (r *Registry) Restart(ctx context.Context, id string, now bool) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	return m.RestartKernel(ctx, now)
}

// ShutdownAll shuts down every registered kernel concurrently under a
// shared timeout, collecting per-kernel failures rather than
// short-circuiting on the first one.
func (r *Registry) ShutdownAll(timeout time.Duration, now bool) []ShutdownFailure {
	r.mu.Lock()
	kernels := make(map[string]*manager.Manager, len(r.kernels))
	for id, m := range r.kernels {
		kernels[id] = m
	}
	r.kernels = make(map[string]*manager.Manager)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []ShutdownFailure
	for id, m := range kernels {
		wg.Add(1)
		go func(id string, m *manager.Manager) {
			defer wg.Done()
			if err := m.ShutdownKernel(ctx, now); err != nil {
				mu.Lock()
				failures = append(failures, ShutdownFailure{ID: id, Err: err})
				mu.Unlock()
			}
		}(id, m)
	}
	wg.Wait()
	return failures
}

// String renders a ShutdownFailure for logging.
func (f ShutdownFailure) String() string {
	return fmt.Sprintf("%s: %v", f.ID, f.Err)
}

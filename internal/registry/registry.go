// Package registry holds the agent's view of every device.
//
// All operations on one handle are serialized through a Lease; operations on
// different handles never wait for each other. The registry-wide lock is only
// held for map access, never across a target call.
//
// Readers get copies, so a Get or List never observes a record in the middle
// of an update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/status"
)

var (
	// ErrExists is returned by Insert when the handle is taken.
	ErrExists = errors.New("handle already exists")
	// ErrReleased is returned when a Lease is used after Release.
	ErrReleased = errors.New("lease released")
)

// Device is one registry record.
type Device struct {
	Handle  string
	Kind    device.Kind
	Phase   status.Phase
	Backend device.State
	Volumes []device.Attachment
	// Reason explains the error phase.
	Reason string

	IdempotencyKey string
	Fingerprint    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VolumeIDs returns the attached volume ids in attach order.
func (d *Device) VolumeIDs() []string {
	ids := make([]string, len(d.Volumes))
	for i, v := range d.Volumes {
		ids[i] = v.VolumeID
	}
	return ids
}

func (d *Device) clone() *Device {
	cp := *d
	cp.Volumes = append([]device.Attachment(nil), d.Volumes...)
	cp.Backend.Data = append([]byte(nil), d.Backend.Data...)
	return &cp
}

type entry struct {
	// lock is a one-slot semaphore so that waiting can honour a context.
	lock    chan struct{}
	dev     *Device
	removed bool
}

// Registry is the in-memory device table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Insert adds a new record and returns it already leased to the caller.
func (r *Registry) Insert(dev Device) (*Lease, error) {
	if dev.Handle == "" {
		return nil, fmt.Errorf("device handle is required")
	}
	if !dev.Phase.Valid() {
		return nil, fmt.Errorf("device %s: unknown phase %q", dev.Handle, dev.Phase)
	}

	now := r.now()
	if dev.CreatedAt.IsZero() {
		dev.CreatedAt = now
	}
	dev.UpdatedAt = now

	e := &entry{lock: make(chan struct{}, 1), dev: dev.clone()}
	e.lock <- struct{}{}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[dev.Handle]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, dev.Handle)
	}
	r.entries[dev.Handle] = e
	return &Lease{reg: r, handle: dev.Handle, e: e}, nil
}

// Acquire waits for exclusive access to handle. It fails with a NotFound
// error if the handle does not exist or is removed while waiting.
func (r *Registry) Acquire(ctx context.Context, handle string) (*Lease, error) {
	r.mu.RLock()
	e, ok := r.entries[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(handle)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if e.removed {
		<-e.lock
		return nil, notFound(handle)
	}
	return &Lease{reg: r, handle: handle, e: e}, nil
}

// Get returns a copy of the record.
func (r *Registry) Get(handle string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[handle]
	if !ok {
		return nil, notFound(handle)
	}
	return e.dev.clone(), nil
}

// List returns copies of every record, oldest first.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.dev.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func notFound(handle string) error {
	return &device.Error{Kind: device.KindNotFound, Handle: handle, Err: fmt.Errorf("no device with handle %s", handle)}
}

// Lease is exclusive access to one record.
type Lease struct {
	reg      *Registry
	handle   string
	e        *entry
	released bool
}

// Device returns a copy of the leased record.
func (l *Lease) Device() *Device {
	l.reg.mu.RLock()
	defer l.reg.mu.RUnlock()
	return l.e.dev.clone()
}

// Update applies fn to a copy of the record and publishes the result. The
// handle cannot change, and a phase change must be a valid transition.
func (l *Lease) Update(fn func(d *Device)) (*Device, error) {
	if l.released || l.e.removed {
		return nil, ErrReleased
	}

	l.reg.mu.RLock()
	next := l.e.dev.clone()
	l.reg.mu.RUnlock()

	from := next.Phase
	fn(next)
	if next.Handle != l.handle {
		return nil, fmt.Errorf("device %s: handle cannot change", l.handle)
	}
	if err := status.ValidateTransition(from, next.Phase); err != nil {
		return nil, fmt.Errorf("device %s: %w", l.handle, err)
	}
	next.UpdatedAt = l.reg.now()

	l.reg.mu.Lock()
	l.e.dev = next
	l.reg.mu.Unlock()
	return next.clone(), nil
}

// Remove deletes the record and releases the lease. Waiters on the handle
// get NotFound.
func (l *Lease) Remove() {
	if l.released {
		return
	}
	l.reg.mu.Lock()
	if cur, ok := l.reg.entries[l.handle]; ok && cur == l.e {
		delete(l.reg.entries, l.handle)
	}
	l.e.removed = true
	l.reg.mu.Unlock()
	l.Release()
}

// Release gives up exclusive access. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.e.lock
}

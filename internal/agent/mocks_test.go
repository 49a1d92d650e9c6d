package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
)

// mockManager is a mock implementation of device.Manager for testing.
type mockManager struct {
	kind   device.Kind
	schema device.Schema

	createFn   func(ctx context.Context, handle string, params device.Params) (device.State, error)
	deleteFn   func(ctx context.Context, state device.State) error
	attachFn   func(ctx context.Context, state device.State, attached []device.Attachment, volumeID string) (string, error)
	detachFn   func(ctx context.Context, state device.State, volumeID, token string) error
	describeFn func(ctx context.Context, state device.State) (*device.Description, error)

	mu          sync.Mutex
	createCalls []string
	deleteCalls []device.State
	attachCalls []string
	detachCalls []string
}

func newMockManager(kind device.Kind) *mockManager {
	return &mockManager{kind: kind}
}

func (m *mockManager) Kind() device.Kind {
	return m.kind
}

func (m *mockManager) Schema() device.Schema {
	return m.schema
}

func (m *mockManager) Validate(params device.Params) error {
	return nil
}

func (m *mockManager) Create(ctx context.Context, handle string, params device.Params) (device.State, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, handle)
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, handle, params)
	}
	return device.EncodeState(m.kind, map[string]string{"handle": handle})
}

func (m *mockManager) Delete(ctx context.Context, state device.State) error {
	m.mu.Lock()
	m.deleteCalls = append(m.deleteCalls, state)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, state)
	}
	return nil
}

func (m *mockManager) AttachVolume(ctx context.Context, state device.State, attached []device.Attachment, volumeID string, params device.Params) (string, error) {
	m.mu.Lock()
	m.attachCalls = append(m.attachCalls, volumeID)
	m.mu.Unlock()
	if m.attachFn != nil {
		return m.attachFn(ctx, state, attached, volumeID)
	}
	return fmt.Sprintf("%d", len(attached)), nil
}

func (m *mockManager) DetachVolume(ctx context.Context, state device.State, volumeID, token string) error {
	m.mu.Lock()
	m.detachCalls = append(m.detachCalls, volumeID)
	m.mu.Unlock()
	if m.detachFn != nil {
		return m.detachFn(ctx, state, volumeID, token)
	}
	return nil
}

func (m *mockManager) Describe(ctx context.Context, state device.State) (*device.Description, error) {
	if m.describeFn != nil {
		return m.describeFn(ctx, state)
	}
	return &device.Description{Present: true}, nil
}

func (m *mockManager) creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.createCalls)
}

func (m *mockManager) deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleteCalls)
}

func (m *mockManager) detaches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.detachCalls...)
}

// mockDiscoverer adds device.Discoverer to mockManager.
type mockDiscoverer struct {
	*mockManager
	found []device.Discovered
	err   error
}

func (m *mockDiscoverer) Discover(ctx context.Context) ([]device.Discovered, error) {
	return m.found, m.err
}

// mockJournal is an in-memory Journal.
type mockJournal struct {
	mu      sync.Mutex
	devices map[string]*registry.Device
	saves   int
	saveErr error
	loadErr error
}

func newMockJournal(devs ...*registry.Device) *mockJournal {
	j := &mockJournal{devices: make(map[string]*registry.Device)}
	for _, d := range devs {
		j.devices[d.Handle] = d
	}
	return j
}

func (j *mockJournal) SaveDevice(ctx context.Context, dev *registry.Device) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves++
	if j.saveErr != nil {
		return j.saveErr
	}
	cp := *dev
	j.devices[dev.Handle] = &cp
	return nil
}

func (j *mockJournal) DeleteDevice(ctx context.Context, handle string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.devices, handle)
	return nil
}

func (j *mockJournal) LoadDevices(ctx context.Context) ([]*registry.Device, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	out := make([]*registry.Device, 0, len(j.devices))
	for _, d := range j.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (j *mockJournal) get(handle string) (*registry.Device, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	d, ok := j.devices[handle]
	return d, ok
}

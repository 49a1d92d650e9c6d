package vhostblk

import (
	"context"
	"fmt"
)

// mockVM is a mock implementation of VMAttacher for testing.
type mockVM struct {
	disks map[string]string // domain/dev -> socket

	attachCalls []string
	detachCalls []string

	attachErr error
	detachErr error
}

func newMockVM() *mockVM {
	return &mockVM{disks: make(map[string]string)}
}

func (m *mockVM) AttachDisk(ctx context.Context, domain, targetDev, socketPath string) error {
	key := domain + "/" + targetDev
	m.attachCalls = append(m.attachCalls, key)
	if m.attachErr != nil {
		return m.attachErr
	}
	if _, ok := m.disks[key]; ok {
		return fmt.Errorf("disk %s in use", key)
	}
	m.disks[key] = socketPath
	return nil
}

func (m *mockVM) DetachDisk(ctx context.Context, domain, targetDev string) error {
	key := domain + "/" + targetDev
	m.detachCalls = append(m.detachCalls, key)
	if m.detachErr != nil {
		return m.detachErr
	}
	delete(m.disks, key)
	return nil
}

package libvirt

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestVhostUserDiskXML(t *testing.T) {
	xml, err := VhostUserDiskXML("vdb", "/var/tmp/vhost/sma-1")
	if err != nil {
		t.Fatalf("VhostUserDiskXML() error = %v", err)
	}

	for _, want := range []string{
		`type="vhostuser"`,
		`path="/var/tmp/vhost/sma-1"`,
		`dev="vdb"`,
		`bus="virtio"`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("disk XML missing %s:\n%s", want, xml)
		}
	}
}

func TestAttachDisk(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches live", func(t *testing.T) {
		mock := newMockDomainClient("guest-1")
		hp := NewHotPlugger(mock)

		if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/s.sock"); err != nil {
			t.Fatalf("AttachDisk() error = %v", err)
		}
		if len(mock.attachCalls) != 1 {
			t.Fatalf("attach calls = %d, want 1", len(mock.attachCalls))
		}

		// Same disk and socket again is a no-op.
		if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/s.sock"); err != nil {
			t.Fatalf("second AttachDisk() error = %v", err)
		}
		if len(mock.attachCalls) != 1 {
			t.Errorf("attach calls = %d, want 1", len(mock.attachCalls))
		}
	})

	t.Run("target in use", func(t *testing.T) {
		mock := newMockDomainClient("guest-1")
		hp := NewHotPlugger(mock)
		if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/a.sock"); err != nil {
			t.Fatalf("AttachDisk() error = %v", err)
		}
		if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/b.sock"); err == nil {
			t.Error("expected error for occupied target dev")
		}
	})

	t.Run("missing domain", func(t *testing.T) {
		hp := NewHotPlugger(newMockDomainClient())
		if err := hp.AttachDisk(ctx, "nope", "vdb", "/tmp/s.sock"); err == nil {
			t.Error("expected error for missing domain")
		}
	})

	t.Run("libvirt failure", func(t *testing.T) {
		mock := newMockDomainClient("guest-1")
		mock.attachErr = errors.New("qemu refused")
		hp := NewHotPlugger(mock)
		if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/s.sock"); err == nil {
			t.Error("expected attach error")
		}
	})
}

func TestDetachDisk(t *testing.T) {
	ctx := context.Background()
	mock := newMockDomainClient("guest-1")
	hp := NewHotPlugger(mock)

	if err := hp.AttachDisk(ctx, "guest-1", "vdb", "/tmp/s.sock"); err != nil {
		t.Fatalf("AttachDisk() error = %v", err)
	}
	if err := hp.DetachDisk(ctx, "guest-1", "vdb"); err != nil {
		t.Fatalf("DetachDisk() error = %v", err)
	}
	if len(mock.detachCalls) != 1 {
		t.Errorf("detach calls = %d, want 1", len(mock.detachCalls))
	}

	// Missing disk and missing domain are both already detached.
	if err := hp.DetachDisk(ctx, "guest-1", "vdb"); err != nil {
		t.Errorf("DetachDisk(missing disk) error = %v", err)
	}
	if err := hp.DetachDisk(ctx, "gone", "vdb"); err != nil {
		t.Errorf("DetachDisk(missing domain) error = %v", err)
	}
	if len(mock.detachCalls) != 1 {
		t.Errorf("detach calls = %d, want 1", len(mock.detachCalls))
	}
}

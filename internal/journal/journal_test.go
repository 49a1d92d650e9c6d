package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "sma.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func testDevice(handle string) *registry.Device {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &registry.Device{
		Handle:  handle,
		Kind:    device.KindNVMeTCP,
		Phase:   status.PhaseReady,
		Backend: device.State{Kind: device.KindNVMeTCP, Data: json.RawMessage(`{"nqn":"nqn.test"}`)},
		Volumes: []device.Attachment{
			{VolumeID: "vol-2", Token: "1"},
			{VolumeID: "vol-1", Token: "2"},
		},
		IdempotencyKey: "req-1",
		Fingerprint:    "abc",
		CreatedAt:      created,
		UpdatedAt:      created.Add(time.Minute),
	}
}

func TestSaveAndLoad(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.SaveDevice(ctx, testDevice("h1")); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	devices, err := j.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("LoadDevices() returned %d devices", len(devices))
	}

	got := devices[0]
	if got.Handle != "h1" || got.Kind != device.KindNVMeTCP || got.Phase != status.PhaseReady {
		t.Errorf("device = %+v", got)
	}
	if string(got.Backend.Data) != `{"nqn":"nqn.test"}` || got.Backend.Kind != device.KindNVMeTCP {
		t.Errorf("backend = %s %s", got.Backend.Kind, got.Backend.Data)
	}
	if got.IdempotencyKey != "req-1" || got.Fingerprint != "abc" {
		t.Errorf("idempotency = %q %q", got.IdempotencyKey, got.Fingerprint)
	}
	if len(got.Volumes) != 2 || got.Volumes[0].VolumeID != "vol-2" || got.Volumes[1].Token != "2" {
		t.Errorf("volumes = %+v, want attach order preserved", got.Volumes)
	}
	if !got.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
}

func TestSaveReplacesAttachments(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	dev := testDevice("h1")
	if err := j.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}

	dev.Volumes = dev.Volumes[:1]
	dev.Phase = status.PhaseDeleting
	if err := j.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("second SaveDevice() error = %v", err)
	}

	devices, err := j.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices() error = %v", err)
	}
	if len(devices) != 1 || len(devices[0].Volumes) != 1 || devices[0].Phase != status.PhaseDeleting {
		t.Errorf("LoadDevices() = %+v", devices[0])
	}
}

func TestDeleteDevice(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	for _, h := range []string{"h1", "h2"} {
		if err := j.SaveDevice(ctx, testDevice(h)); err != nil {
			t.Fatalf("SaveDevice(%s) error = %v", h, err)
		}
	}
	if err := j.DeleteDevice(ctx, "h1"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if err := j.DeleteDevice(ctx, "missing"); err != nil {
		t.Errorf("DeleteDevice(missing) error = %v", err)
	}

	devices, err := j.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Handle != "h2" {
		t.Errorf("LoadDevices() = %v", devices)
	}
}

func TestReopen(t *testing.T) {
	j, path := openTestJournal(t)
	ctx := context.Background()

	if err := j.SaveDevice(ctx, testDevice("h1")); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	devices, err := reopened.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Errorf("LoadDevices() after reopen = %d devices", len(devices))
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Error("Open(\"\") should fail")
	}
}

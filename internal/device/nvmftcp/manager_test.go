package nvmftcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/device/nvmf"
	"github.com/jbweber/sma/internal/naming"
	"github.com/jbweber/sma/internal/target/targettest"
)

const testHandle = "6f1d2c3b-4a59-4e8d-9c7b-0a1b2c3d4e5f"

func testParams() device.Params {
	return device.Params{
		"subsystem": "nqn.test",
		"address":   "127.0.0.1",
		"port":      float64(4420),
	}
}

func newTestManager(opts Options) (*Manager, *targettest.Fake, *targettest.SPDK) {
	fake, spdk := targettest.NewTarget()
	opts.Retry = device.RetryPolicy{Retries: 1, Interval: time.Millisecond}
	return New(fake, opts), fake, spdk
}

func TestValidate(t *testing.T) {
	mgr, _, _ := newTestManager(Options{})

	tests := []struct {
		name    string
		mutate  func(device.Params)
		wantErr bool
	}{
		{name: "valid", mutate: func(device.Params) {}},
		{name: "ipv6", mutate: func(p device.Params) { p["address"] = "::1" }},
		{name: "explicit adrfam", mutate: func(p device.Params) { p["adrfam"] = "ipv4" }},
		{name: "hostname", mutate: func(p device.Params) { p["address"] = "storage.local" }, wantErr: true},
		{name: "port zero", mutate: func(p device.Params) { p["port"] = 0 }, wantErr: true},
		{name: "port too large", mutate: func(p device.Params) { p["port"] = 70000 }, wantErr: true},
		{name: "adrfam mismatch", mutate: func(p device.Params) { p["adrfam"] = "IPv6" }, wantErr: true},
		{name: "not an nqn", mutate: func(p device.Params) { p["subsystem"] = "cnode1" }, wantErr: true},
		{name: "discovery nqn", mutate: func(p device.Params) { p["subsystem"] = discoveryNQN }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(p)
			if err := mgr.Schema().Validate(p); err != nil {
				t.Fatalf("schema rejected params: %v", err)
			}
			err := mgr.Validate(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, device.ErrInvalidParams) {
				t.Errorf("expected InvalidParams, got %v", err)
			}
		})
	}
}

func TestCreateAndDelete(t *testing.T) {
	mgr, fake, spdk := newTestManager(Options{})
	ctx := context.Background()

	state, err := mgr.Create(ctx, testHandle, testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := spdk.Subsystems(); len(got) != 1 || got[0] != "nqn.test" {
		t.Fatalf("subsystems = %v", got)
	}
	if spdk.Listeners("nqn.test") != 1 {
		t.Errorf("listeners = %d, want 1", spdk.Listeners("nqn.test"))
	}
	if fake.Count("nvmf_create_transport") != 1 {
		t.Errorf("transport not created")
	}

	desc, err := mgr.Describe(ctx, state)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if !desc.Present || desc.Resources["model_number"] != naming.Tag(testHandle) {
		t.Errorf("Describe() = %+v", desc)
	}

	if err := mgr.Delete(ctx, state); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := spdk.Subsystems(); len(got) != 0 {
		t.Errorf("subsystems after delete = %v", got)
	}

	// Deleting again is harmless.
	if err := mgr.Delete(ctx, state); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestCreateExistingSubsystem(t *testing.T) {
	t.Run("refused by default", func(t *testing.T) {
		mgr, _, spdk := newTestManager(Options{})
		spdk.AddSubsystem("nqn.test", "SPDK bdev Controller")

		_, err := mgr.Create(context.Background(), testHandle, testParams())
		if !errors.Is(err, device.ErrDeviceBusy) {
			t.Fatalf("Create() error = %v, want DeviceBusy", err)
		}
	})

	t.Run("reused when enabled", func(t *testing.T) {
		mgr, _, spdk := newTestManager(Options{ReuseSubsystem: true})
		spdk.AddSubsystem("nqn.test", "SPDK bdev Controller", targettest.Listener("TCP", "10.0.0.1", "4420"))
		ctx := context.Background()

		state, err := mgr.Create(ctx, testHandle, testParams())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if spdk.Listeners("nqn.test") != 2 {
			t.Errorf("listeners = %d, want 2", spdk.Listeners("nqn.test"))
		}

		if err := mgr.Delete(ctx, state); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got := spdk.Subsystems(); len(got) != 1 {
			t.Errorf("reused subsystem was deleted")
		}
		if spdk.Listeners("nqn.test") != 1 {
			t.Errorf("listeners after delete = %d, want 1", spdk.Listeners("nqn.test"))
		}
	})
}

func TestCreateCompensation(t *testing.T) {
	t.Run("listener failure removes subsystem", func(t *testing.T) {
		mgr, fake, spdk := newTestManager(Options{})
		fake.Fail("nvmf_subsystem_add_listener", targettest.Rejected(-32602, "Invalid parameters"))

		_, err := mgr.Create(context.Background(), testHandle, testParams())
		if device.KindOf(err) != device.KindBackendFailure {
			t.Fatalf("Create() kind = %s, want BackendFailure (%v)", device.KindOf(err), err)
		}
		if got := spdk.Subsystems(); len(got) != 0 {
			t.Errorf("subsystem leaked: %v", got)
		}
	})

	t.Run("failed cleanup is dirty", func(t *testing.T) {
		mgr, fake, spdk := newTestManager(Options{})
		fake.Fail("nvmf_subsystem_add_listener", targettest.Unreachable("nvmf_subsystem_add_listener"))
		fake.Fail("nvmf_delete_subsystem", targettest.Unreachable("nvmf_delete_subsystem"))

		state, err := mgr.Create(context.Background(), testHandle, testParams())
		if !errors.Is(err, device.ErrDirtyState) {
			t.Fatalf("Create() error = %v, want DirtyState", err)
		}
		if state.IsZero() {
			t.Fatal("dirty create must return the partial state")
		}
		if fake.Count("nvmf_delete_subsystem") != 2 {
			t.Errorf("delete attempts = %d, want 2", fake.Count("nvmf_delete_subsystem"))
		}

		// Once the target answers again the partial state can be deleted.
		spdk.Install(fake)
		if err := mgr.Delete(context.Background(), state); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got := spdk.Subsystems(); len(got) != 0 {
			t.Errorf("subsystems = %v", got)
		}
	})

	t.Run("unknown subsystem create outcome is cleaned", func(t *testing.T) {
		mgr, fake, _ := newTestManager(Options{})
		fake.Fail("nvmf_create_subsystem", targettest.Unreachable("nvmf_create_subsystem"))
		fake.Fail("nvmf_delete_subsystem", targettest.NotFound())

		_, err := mgr.Create(context.Background(), testHandle, testParams())
		if device.KindOf(err) != device.KindUnreachable {
			t.Fatalf("Create() kind = %s, want Unreachable", device.KindOf(err))
		}
		if fake.Count("nvmf_delete_subsystem") != 1 {
			t.Errorf("compensating delete not attempted")
		}
	})
}

func TestAttachDetach(t *testing.T) {
	mgr, _, spdk := newTestManager(Options{})
	ctx := context.Background()

	state, err := mgr.Create(ctx, testHandle, testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t1, err := mgr.AttachVolume(ctx, state, nil, "vol-1", nil)
	if err != nil {
		t.Fatalf("AttachVolume(vol-1) error = %v", err)
	}
	t2, err := mgr.AttachVolume(ctx, state, []device.Attachment{{VolumeID: "vol-1", Token: t1}}, "vol-2", nil)
	if err != nil {
		t.Fatalf("AttachVolume(vol-2) error = %v", err)
	}
	if t1 == t2 {
		t.Errorf("tokens not distinct: %s", t1)
	}

	again, err := mgr.AttachVolume(ctx, state, nil, "vol-1", nil)
	if err != nil || again != t1 {
		t.Errorf("re-attach = %q, %v, want %q", again, err, t1)
	}

	if _, err := mgr.AttachVolume(ctx, state, nil, "vol-3", device.Params{"bogus": 1}); !errors.Is(err, device.ErrInvalidParams) {
		t.Errorf("unknown attach param error = %v", err)
	}

	if err := mgr.DetachVolume(ctx, state, "vol-1", t1); err != nil {
		t.Fatalf("DetachVolume() error = %v", err)
	}
	if got := spdk.Namespaces("nqn.test"); len(got) != 1 || got[0] != "vol-2" {
		t.Errorf("namespaces = %v, want [vol-2]", got)
	}
}

func TestAttachSharedSubsystem(t *testing.T) {
	mgr, fake, spdk := newTestManager(Options{ReuseSubsystem: true})
	ctx := context.Background()
	spdk.AddSubsystem("nqn.test", "SPDK bdev Controller", targettest.Listener("TCP", "10.0.0.1", "4420"))
	if _, err := nvmf.AddNamespace(ctx, fake, "nqn.test", "vol-other"); err != nil {
		t.Fatalf("AddNamespace() error = %v", err)
	}

	state, err := mgr.Create(ctx, testHandle, testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := mgr.AttachVolume(ctx, state, nil, "vol-other", nil); !errors.Is(err, device.ErrDeviceBusy) {
		t.Fatalf("AttachVolume(vol-other) error = %v, want DeviceBusy", err)
	}

	tok, err := mgr.AttachVolume(ctx, state, nil, "vol-1", nil)
	if err != nil {
		t.Fatalf("AttachVolume(vol-1) error = %v", err)
	}
	again, err := mgr.AttachVolume(ctx, state, []device.Attachment{{VolumeID: "vol-1", Token: tok}}, "vol-1", nil)
	if err != nil || again != tok {
		t.Errorf("re-attach = %q, %v, want %q", again, err, tok)
	}
	if got := spdk.Namespaces("nqn.test"); len(got) != 2 {
		t.Errorf("namespaces = %v, want vol-other and vol-1", got)
	}
}

func TestDiscover(t *testing.T) {
	mgr, _, spdk := newTestManager(Options{})
	ctx := context.Background()

	if _, err := mgr.Create(ctx, testHandle, testParams()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	spdk.AddSubsystem("nqn.foreign", "", targettest.Listener("TCP", "10.0.0.2", "4420"))
	spdk.AddSubsystem("nqn.vfio", naming.Tag(naming.NewHandle()), targettest.Listener("VFIOUSER", "/var/tmp/x", ""))

	found, err := mgr.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Discover() returned %d resources, want 2: %+v", len(found), found)
	}

	byName := map[string]device.Discovered{}
	for _, d := range found {
		byName[d.Name] = d
	}
	if byName["nqn.test"].Handle != testHandle {
		t.Errorf("own subsystem handle = %q", byName["nqn.test"].Handle)
	}
	if byName["nqn.foreign"].Handle != "" {
		t.Errorf("foreign subsystem claimed: %+v", byName["nqn.foreign"])
	}

	// The discovered state must be usable for delete.
	if err := mgr.Delete(ctx, byName["nqn.test"].State); err != nil {
		t.Errorf("Delete(discovered) error = %v", err)
	}
}

func TestSetVolumeQoS(t *testing.T) {
	mgr, _, spdk := newTestManager(Options{})
	ctx := context.Background()

	state, err := mgr.Create(ctx, testHandle, testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.SetVolumeQoS(ctx, state, "vol-1", device.QoSLimits{ReadWriteIOPS: 5000}); err != nil {
		t.Fatalf("SetVolumeQoS() error = %v", err)
	}
	if spdk.QoS("vol-1") == nil {
		t.Error("QoS not applied")
	}
}

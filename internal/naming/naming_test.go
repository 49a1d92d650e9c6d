package naming

import (
	"strings"
	"testing"
)

const testHandle = "0d6c8a3e-2f41-4c7e-9b5a-1e2f3a4b5c6d"

func TestNewHandle(t *testing.T) {
	a, b := NewHandle(), NewHandle()
	if a == b {
		t.Errorf("NewHandle() returned duplicate %s", a)
	}
	if !ValidHandle(a) {
		t.Errorf("NewHandle() = %q is not a valid handle", a)
	}
}

func TestTag(t *testing.T) {
	tag := Tag(testHandle)
	if len(tag) > MaxModelNumber {
		t.Errorf("Tag() length = %d, exceeds %d", len(tag), MaxModelNumber)
	}

	tests := []struct {
		name   string
		tag    string
		want   string
		wantOK bool
	}{
		{name: "own tag", tag: tag, want: testHandle, wantOK: true},
		{name: "foreign model number", tag: "SPDK bdev Controller"},
		{name: "prefix only", tag: "sma:"},
		{name: "not a uuid", tag: "sma:volume-1"},
		{name: "empty", tag: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := HandleFromTag(tt.tag)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("HandleFromTag(%q) = %q, %v, want %q, %v", tt.tag, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestControllerName(t *testing.T) {
	name := ControllerName(testHandle)
	if name != "sma-"+testHandle {
		t.Errorf("ControllerName() = %q", name)
	}
	if got, ok := HandleFromController(name); !ok || got != testHandle {
		t.Errorf("HandleFromController(%q) = %q, %v", name, got, ok)
	}
	if _, ok := HandleFromController("vhost.0"); ok {
		t.Error("HandleFromController(vhost.0) should not match")
	}
}

func TestDefaultNQN(t *testing.T) {
	nqn := DefaultNQN(testHandle)
	if !strings.HasPrefix(nqn, "nqn.2016-06.io.spdk:sma-") {
		t.Errorf("DefaultNQN() = %q", nqn)
	}
	if got, ok := HandleFromNQN(nqn); !ok || got != testHandle {
		t.Errorf("HandleFromNQN(%q) = %q, %v", nqn, got, ok)
	}
	if _, ok := HandleFromNQN("nqn.2016-06.io.spdk:cnode1"); ok {
		t.Error("HandleFromNQN(cnode1) should not match")
	}
}

func TestSerialNumber(t *testing.T) {
	got := SerialNumber(testHandle)
	if got != "0d6c8a3e2f414c7e9b5a" {
		t.Errorf("SerialNumber() = %q", got)
	}
	if len(got) > MaxSerialNumber {
		t.Errorf("SerialNumber() length = %d", len(got))
	}
}

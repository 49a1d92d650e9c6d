package v1

import (
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/encoding"
	"gopkg.in/yaml.v3"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatalf("codec %q not registered", CodecName)
	}
	if c.Name() != CodecName {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestCodec_CreateRequest(t *testing.T) {
	req := CreateDeviceRequest{
		Transport:      "nvme-tcp",
		Params:         map[string]any{"address": "127.0.0.1", "port": 4420},
		IdempotencyKey: "req-1",
	}
	data, err := Codec{}.Marshal(&req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got CreateDeviceRequest
	if err := (Codec{}).Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Transport != req.Transport || got.IdempotencyKey != req.IdempotencyKey {
		t.Errorf("got %+v", got)
	}
	// Numbers arrive as float64, which the schema accepts as integers.
	if port, ok := got.Params["port"].(float64); !ok || port != 4420 {
		t.Errorf("port = %#v", got.Params["port"])
	}
}

func TestCodec_EmptyMessage(t *testing.T) {
	var resp DeleteDeviceResponse
	if err := (Codec{}).Unmarshal(nil, &resp); err != nil {
		t.Errorf("Unmarshal(nil) error = %v", err)
	}
	if err := (Codec{}).Unmarshal([]byte("{"), &resp); err == nil {
		t.Error("expected error for truncated message")
	}
}

func TestTime(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	t.Run("json", func(t *testing.T) {
		data, err := NewTime(ts).MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `"2026-03-01T12:30:00Z"` {
			t.Errorf("MarshalJSON() = %s", data)
		}
		var got Time
		if err := got.UnmarshalJSON(data); err != nil || !got.Equal(ts) {
			t.Errorf("UnmarshalJSON() = %v, %v", got, err)
		}
	})

	t.Run("zero is null", func(t *testing.T) {
		data, _ := Time{}.MarshalJSON()
		if string(data) != "null" {
			t.Errorf("MarshalJSON() = %s", data)
		}
		got := NewTime(ts)
		if err := got.UnmarshalJSON([]byte("null")); err != nil || !got.IsZero() {
			t.Errorf("UnmarshalJSON(null) = %v, %v", got, err)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := yaml.Marshal(Device{Handle: "h", CreatedAt: NewTime(ts)})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(out), "2026-03-01T12:30:00Z") {
			t.Errorf("yaml = %s", out)
		}
		var d Device
		if err := yaml.Unmarshal(out, &d); err != nil || !d.CreatedAt.Equal(ts) {
			t.Errorf("yaml round trip = %v, %v", d.CreatedAt, err)
		}
	})

	t.Run("bad input", func(t *testing.T) {
		var got Time
		if err := got.UnmarshalJSON([]byte(`"yesterday"`)); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestFullMethod(t *testing.T) {
	if got := FullMethod(MethodCreateDevice); got != "/sma.v1.StorageManagementAgent/CreateDevice" {
		t.Errorf("FullMethod() = %q", got)
	}
}

package target

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeTarget serves JSON-RPC requests on a unix socket using a handler func.
type fakeTarget struct {
	listener net.Listener
	handler  func(method string, params json.RawMessage) (any, *RPCError)
}

func newFakeTarget(t *testing.T, handler func(method string, params json.RawMessage) (any, *RPCError)) (*fakeTarget, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "tgt")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "rpc.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", socket, err)
	}
	t.Cleanup(func() { _ = l.Close() })

	f := &fakeTarget{listener: l, handler: handler}
	go f.serve()
	return f, socket
}

func (f *fakeTarget) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.NewDecoder(conn).Decode(&req); err != nil {
				return
			}
			result, rpcErr := f.handler(req.Method, req.Params)
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			_ = json.NewEncoder(conn).Encode(resp)
		}(conn)
	}
}

func TestClient_CallDecodesResult(t *testing.T) {
	var gotParams map[string]any
	_, socket := newFakeTarget(t, func(method string, params json.RawMessage) (any, *RPCError) {
		if method != "nvmf_subsystem_add_ns" {
			return nil, &RPCError{Code: -32601, Message: "Method not found"}
		}
		_ = json.Unmarshal(params, &gotParams)
		return 3, nil
	})

	c := NewClient(socket, time.Second)
	var nsid int
	err := c.Call(context.Background(), "nvmf_subsystem_add_ns", map[string]any{"nqn": "nqn.test"}, &nsid)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if nsid != 3 {
		t.Errorf("nsid = %d, want 3", nsid)
	}
	if gotParams["nqn"] != "nqn.test" {
		t.Errorf("params nqn = %v, want nqn.test", gotParams["nqn"])
	}
}

func TestClient_CallRejected(t *testing.T) {
	_, socket := newFakeTarget(t, func(method string, params json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -19, Message: "No such device"}
	})

	c := NewClient(socket, time.Second)
	err := c.Call(context.Background(), "nvmf_delete_subsystem", nil, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsRejected(err) {
		t.Errorf("IsRejected() = false for %v", err)
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound() = false for %v", err)
	}
	if IsUnreachable(err) {
		t.Errorf("IsUnreachable() = true for a rejection")
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Method != "nvmf_delete_subsystem" {
		t.Errorf("Method = %q, want nvmf_delete_subsystem", rpcErr.Method)
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	err := c.Call(context.Background(), "spdk_get_version", nil, nil)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if IsRejected(err) {
		t.Error("IsRejected() = true for an unreachable target")
	}
}

func TestClient_TimeoutIsUnreachable(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	_, socket := newFakeTarget(t, func(method string, params json.RawMessage) (any, *RPCError) {
		<-block
		return true, nil
	})

	c := NewClient(socket, 50*time.Millisecond)
	start := time.Now()
	err := c.Call(context.Background(), "vhost_create_blk_controller", nil, nil)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %v, timeout was not honored", elapsed)
	}
}

func TestClient_Version(t *testing.T) {
	_, socket := newFakeTarget(t, func(method string, params json.RawMessage) (any, *RPCError) {
		return map[string]any{"version": "SPDK v24.09"}, nil
	})

	c := NewClient(socket, time.Second)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != "SPDK v24.09" {
		t.Errorf("Version() = %q, want %q", v, "SPDK v24.09")
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", 0)
	if c.Socket() != DefaultSocket {
		t.Errorf("Socket() = %q, want %q", c.Socket(), DefaultSocket)
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.timeout, DefaultTimeout)
	}
}

package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestRPCErrorsKeepCauseIdentity(t *testing.T) {
	// HTTP dialing is lazy, so handle creation succeeds without a node.
	client, err := NewRPCClient(context.Background(), RPCConfig{Endpoint: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.CurrentBlock(ctx)
	if err == nil {
		t.Fatal("CurrentBlock() with cancelled context must fail")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error %v does not match ErrUnavailable", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v hides its context.Canceled cause", err)
	}
}

func TestRPCClientWriteGating(t *testing.T) {
	readOnly, err := NewRPCClient(context.Background(), RPCConfig{Endpoint: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	defer readOnly.Close()

	if readOnly.CanWrite() {
		t.Error("credential-less handle must be read-only")
	}
	if _, err := readOnly.Create(context.Background(), Entity{}); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Create() on read-only handle error = %v, want ErrNoCredential", err)
	}
}

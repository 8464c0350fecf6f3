package vipsdecode

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"tilegate/internal/lifecycle"
)

func TestDecodeRefusesUnlessRuntimeReady(t *testing.T) {
	var started int
	runtime := lifecycle.New("vips-test", func(context.Context) error {
		started++
		return nil
	}, func() error { return nil })

	d := New(runtime, nil, zaptest.NewLogger(t))

	if _, err := d.DecodeBuffer(context.Background(), []byte("not an image")); err == nil {
		t.Error("DecodeBuffer should refuse work before the runtime is initialised")
	}

	if err := runtime.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := runtime.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := d.DecodeURL(context.Background(), "data:image/png;base64,AAAA"); err == nil {
		t.Error("DecodeURL should refuse work after the runtime is torn down")
	}
	if started != 1 {
		t.Errorf("init ran %d times, want 1", started)
	}
}

func TestDecodeBufferHonoursCancelledContext(t *testing.T) {
	runtime := lifecycle.New("vips-test", func(context.Context) error { return nil }, func() error { return nil })
	if err := runtime.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { runtime.Teardown() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(runtime, nil, zaptest.NewLogger(t))
	if _, err := d.DecodeBuffer(ctx, []byte{0x89, 'P', 'N', 'G'}); err == nil {
		t.Error("DecodeBuffer should stop on a cancelled context")
	}
}

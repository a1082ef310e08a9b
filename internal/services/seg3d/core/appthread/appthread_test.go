package appthread

import (
	"context"
	"testing"
)

func TestMarkAndOn(t *testing.T) {
	ctx := context.Background()
	if On(ctx) {
		t.Fatal("plain context must not be marked")
	}
	marked := Mark(ctx, "main")
	if !On(marked) {
		t.Fatal("expected marked context")
	}
	if got := Owner(marked); got != "main" {
		t.Fatalf("Owner = %q, want %q", got, "main")
	}
	var nilCtx context.Context
	if On(nilCtx) {
		t.Fatal("nil context must not be marked")
	}
}

func TestAssertPanicsOffThread(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Assert(context.Background(), "state mutation")
}

func TestReleaseClearsMark(t *testing.T) {
	type key struct{}
	marked := Mark(context.WithValue(context.Background(), key{}, "kept"), "main")
	released := Release(marked)
	if On(released) {
		t.Fatal("released context must not be marked")
	}
	if Owner(released) != "" {
		t.Fatal("released context must have no owner")
	}
	if released.Value(key{}) != "kept" {
		t.Fatal("release must keep other values")
	}
}

package appctx

import (
	"context"
	"testing"
	"time"
)

type key struct{}

func TestDetached_SurvivesParentCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	ctx, cancel := Detached(parent, time.Second)
	defer cancel()

	cancelParent()

	select {
	case <-ctx.Done():
		t.Fatal("detached context cancelled with parent")
	case <-time.After(20 * time.Millisecond):
	}
	if ctx.Value(key{}) != "v" {
		t.Error("expected parent values to be visible")
	}
}

func TestDetached_IgnoresParentDeadline(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancelParent()
	<-parent.Done()

	ctx, cancel := Detached(parent, time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) < 50*time.Second {
		t.Fatalf("expected a fresh deadline, got %v (set=%v)", deadline, ok)
	}
	if ctx.Err() != nil {
		t.Fatalf("expected live context, got %v", ctx.Err())
	}
}

func TestDetached_Timeout(t *testing.T) {
	ctx, cancel := Detached(context.Background(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected timeout")
	}
}

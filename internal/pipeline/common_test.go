package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestCheckStopReturnsErrStopRequestedWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := checkStop(ctx); err != nil {
		t.Fatalf("expected no error on a live context, got %v", err)
	}
	cancel()
	if err := checkStop(ctx); !errors.Is(err, ErrStopRequested) {
		t.Fatalf("expected ErrStopRequested after cancellation, got %v", err)
	}
}

func TestSanitizeStage(t *testing.T) {
	got := sanitizeStage("pkg/sub dir\\file.go")
	want := "pkg_sub_dir_file.go"
	if got != want {
		t.Fatalf("sanitizeStage: got %q want %q", got, want)
	}
}

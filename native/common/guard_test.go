package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauseSet(t *testing.T) {
	set := NewPauseSet(" OTC.Deal ")
	if err := Guard(set, "otc.deal"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused module, got %v", err)
	}
	if err := Guard(set, "otc.post"); err != nil {
		t.Fatalf("unexpected error for running module: %v", err)
	}
	set.Set("otc.deal", false)
	if err := Guard(set, "otc.deal"); err != nil {
		t.Fatalf("expected module resumed, got %v", err)
	}
	if err := Guard(nil, "otc.deal"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}

func TestPauseSetModulesSorted(t *testing.T) {
	set := NewPauseSet("otc.post", "otc.admin", "")
	got := set.Modules()
	if len(got) != 2 || got[0] != "otc.admin" || got[1] != "otc.post" {
		t.Fatalf("unexpected modules: %v", got)
	}
}

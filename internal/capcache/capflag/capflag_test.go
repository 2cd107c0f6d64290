package capflag

import "testing"

func TestBoolYesIsAlwaysTrue(t *testing.T) {
	if !NewYes().Bool(false) {
		t.Fatal("expected Yes to be true regardless of default")
	}
	if !NewYes().Bool(true) {
		t.Fatal("expected Yes to be true regardless of default")
	}
}

func TestBoolNoIsAlwaysFalse(t *testing.T) {
	if NewNo("rejected").Bool(true) {
		t.Fatal("expected No to be false regardless of default")
	}
}

func TestBoolInconclusiveUsesCallerDefault(t *testing.T) {
	s := NewInconclusive("ambiguous error")
	if !s.Bool(true) {
		t.Fatal("expected inconclusive to keep true when caller asks to")
	}
	if s.Bool(false) {
		t.Fatal("expected inconclusive to fall to false when caller asks to")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{Yes: "yes", No: "no", Inconclusive: "inconclusive"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal(map[string]string{"API_KEY": "abc"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	vars, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if vars["API_KEY"] != "abc" {
		t.Fatalf("unexpected vars %v", vars)
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	a, _ := NewSealer("a")
	b, _ := NewSealer("b")
	sealed, err := a.Seal(map[string]string{"K": "v"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected decrypt failure")
	}
}

func TestEmptySetSealsToNil(t *testing.T) {
	s, _ := NewSealer("secret")
	sealed, err := s.Seal(nil)
	if err != nil || sealed != nil {
		t.Fatalf("expected nil payload, got %v %v", sealed, err)
	}
	vars, err := s.Open(nil)
	if err != nil || len(vars) != 0 {
		t.Fatalf("expected empty vars, got %v %v", vars, err)
	}
}

package pulse

import (
	"errors"
	"testing"
)

func TestSessionStateTransitions(t *testing.T) {
	s := NewSession()
	if _, ok := s.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated, got %T", s.State())
	}
	if err := s.JoinGroup(Group{ID: "g-1"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("joining before sign in should fail, got %v", err)
	}
	if err := s.SignIn(Profile{UserID: " u-1 "}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	state, ok := s.State().(AuthenticatedNoGroup)
	if !ok || state.UserID != "u-1" {
		t.Fatalf("expected AuthenticatedNoGroup for u-1, got %#v", s.State())
	}
	if _, err := s.RequireReady(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated without a group, got %v", err)
	}
	if p, _ := s.Profile(); p.DisplayName != "User" {
		t.Fatalf("expected default display name, got %q", p.DisplayName)
	}
	if err := s.JoinGroup(Group{ID: "g-1", Name: "Home"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	ready, err := s.RequireReady()
	if err != nil || ready != (Ready{UserID: "u-1", GroupID: "g-1"}) {
		t.Fatalf("expected Ready, got %+v %v", ready, err)
	}
	if g, _ := s.Group(); g.MemberCount != 1 {
		t.Fatalf("expected member count to default to 1, got %d", g.MemberCount)
	}
	if StateName(s.State()) != "ready" {
		t.Fatalf("unexpected state name %q", StateName(s.State()))
	}
	s.SignOut()
	if _, ok := s.State().(Unauthenticated); !ok {
		t.Fatalf("expected Unauthenticated after sign out")
	}
	if err := s.SetManualOnly(true); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := s.SignIn(Profile{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty user id, got %v", err)
	}
}

func TestGenerateInviteCode(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		code, err := GenerateInviteCode()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !ValidInviteCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Fatalf("expected mostly distinct codes, got %d of 50", len(seen))
	}
	for _, bad := range []string{"", "ABC", "ABCDE1", "abcdef", "ABCDEFG"} {
		if ValidInviteCode(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

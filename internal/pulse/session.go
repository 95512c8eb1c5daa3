package pulse

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// AppState is one of Unauthenticated, AuthenticatedNoGroup or Ready.
type AppState interface {
	appState()
}

type Unauthenticated struct{}

type AuthenticatedNoGroup struct {
	UserID string
}

type Ready struct {
	UserID  string
	GroupID string
}

func (Unauthenticated) appState()      {}
func (AuthenticatedNoGroup) appState() {}
func (Ready) appState()                {}

// StateName returns a stable label for logs and API responses.
func StateName(state AppState) string {
	switch state.(type) {
	case Ready:
		return "ready"
	case AuthenticatedNoGroup:
		return "authenticated_no_group"
	default:
		return "unauthenticated"
	}
}

type Profile struct {
	UserID      string `json:"userId" yaml:"id"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	Emoji       string `json:"emoji" yaml:"emoji"`
	ManualOnly  bool   `json:"manualOnly" yaml:"manual_only"`
}

type Group struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	InviteCode  string `json:"inviteCode,omitempty" yaml:"invite_code"`
	MemberCount int    `json:"memberCount" yaml:"member_count"`
}

// Session tracks who is signed in and which group is active.
type Session struct {
	mu      sync.RWMutex
	profile *Profile
	group   *Group
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) State() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.profile == nil:
		return Unauthenticated{}
	case s.group == nil:
		return AuthenticatedNoGroup{UserID: s.profile.UserID}
	default:
		return Ready{UserID: s.profile.UserID, GroupID: s.group.ID}
	}
}

// RequireReady returns the Ready state or ErrNotAuthenticated.
func (s *Session) RequireReady() (Ready, error) {
	state, ok := s.State().(Ready)
	if !ok {
		return Ready{}, fmt.Errorf("%w: no current user and group", ErrNotAuthenticated)
	}
	return state, nil
}

func (s *Session) SignIn(profile Profile) error {
	profile.UserID = strings.TrimSpace(profile.UserID)
	if profile.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		profile.DisplayName = "User"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &profile
	return nil
}

func (s *Session) JoinGroup(group Group) error {
	group.ID = strings.TrimSpace(group.ID)
	if group.ID == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return fmt.Errorf("%w: sign in before joining a group", ErrNotAuthenticated)
	}
	if group.MemberCount <= 0 {
		group.MemberCount = 1
	}
	s.group = &group
	return nil
}

func (s *Session) LeaveGroup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = nil
}

func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = nil
	s.group = nil
}

func (s *Session) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return *s.profile, true
}

func (s *Session) Group() (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.group == nil {
		return Group{}, false
	}
	return *s.group, true
}

// ManualOnly reports whether automated check-ins are suppressed for the
// signed-in user.
func (s *Session) ManualOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile != nil && s.profile.ManualOnly
}

func (s *Session) SetManualOnly(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return ErrNotAuthenticated
	}
	s.profile.ManualOnly = enabled
	return nil
}

const (
	inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength   = 6
)

// GenerateInviteCode returns a six character group invite code without the
// easily confused characters I, O, 0 and 1.
func GenerateInviteCode() (string, error) {
	var b strings.Builder
	b.Grow(inviteCodeLength)
	limit := big.NewInt(int64(len(inviteCodeAlphabet)))
	for range inviteCodeLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		b.WriteByte(inviteCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidInviteCode reports whether code could have come from GenerateInviteCode.
func ValidInviteCode(code string) bool {
	if len(code) != inviteCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(inviteCodeAlphabet, r) {
			return false
		}
	}
	return true
}

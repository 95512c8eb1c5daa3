package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

const (
	tokenAudience = "pulse"

	ScopeFeedRead    = "feed:read"
	ScopeFeedWrite   = "feed:write"
	ScopeSyncTrigger = "sync:trigger"
)

// AllScopes lists every scope the local API checks.
func AllScopes() []string {
	return []string{ScopeFeedRead, ScopeFeedWrite, ScopeSyncTrigger}
}

var tokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthenticated(message string) *authError {
	return &authError{status: 401, code: "not_authenticated", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

type tokenClaims struct {
	GroupID string   `json:"group_id"`
	UserID  string   `json:"user_id"`
	Scopes  []string `json:"scopes"`
	Exp     int64    `json:"exp"`
	Aud     string   `json:"aud"`
}

// authorizeBearer checks the token and, when groupID is set, that it was
// issued for that group.
func authorizeBearer(authHeader, jwtSecret, groupID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthenticated("missing or invalid bearer token")
	}
	claims, authErr := verifyToken(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	switch {
	case claims.GroupID == "" || claims.UserID == "":
		return tokenClaims{}, unauthenticated("token names no group_id or user_id")
	case now.Unix() >= claims.Exp:
		return tokenClaims{}, unauthenticated("token expired")
	case claims.Aud != tokenAudience:
		return tokenClaims{}, unauthenticated("invalid aud claim")
	case len(claims.Scopes) == 0:
		return tokenClaims{}, forbidden("no scopes granted")
	case groupID != "" && claims.GroupID != groupID:
		return tokenClaims{}, forbidden("group mismatch")
	case requiredScope != "" && !slices.Contains(claims.Scopes, requiredScope):
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifyToken checks the HS256 signature and decodes the claims. It does not
// look at expiry or scopes.
func verifyToken(token, secret string) (tokenClaims, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthenticated("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthenticated("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthenticated("unsupported jwt algorithm")
	}
	if !hmac.Equal([]byte(parts[2]), []byte(signSegment(secret, parts[0]+"."+parts[1]))) {
		return tokenClaims{}, unauthenticated("jwt signature mismatch")
	}
	var claims tokenClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return tokenClaims{}, unauthenticated("invalid jwt payload")
	}
	return claims, nil
}

func decodeSegment(segment string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func signSegment(secret, input string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SignToken issues an HS256 token for the local API. The CLI uses it to mint
// tokens for scripts and the widget.
func SignToken(secret, groupID, userID string, scopes []string, exp time.Time) (string, error) {
	return signTokenWithAudience(secret, groupID, userID, scopes, tokenAudience, exp)
}

func signTokenWithAudience(secret, groupID, userID string, scopes []string, aud string, exp time.Time) (string, error) {
	payload, err := json.Marshal(tokenClaims{
		GroupID: groupID,
		UserID:  userID,
		Scopes:  scopes,
		Exp:     exp.Unix(),
		Aud:     aud,
	})
	if err != nil {
		return "", err
	}
	input := tokenHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return input + "." + signSegment(secret, input), nil
}

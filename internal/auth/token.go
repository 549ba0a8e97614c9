package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired")
	ErrTokenSID    = errors.New("session id mismatch")
	ErrTokenRole   = errors.New("token role not allowed")
	ErrNoSecret    = errors.New("token secret not configured")
)

// Roles a token can carry.
const (
	// RoleWorker is the voice worker attached to one session's signal socket.
	RoleWorker = "worker"
	// RolePipeline drives sessions over gRPC. Its tokens are not bound to a
	// session and carry "*" as session id.
	RolePipeline = "pipeline"
)

const AnySession = "*"

type Claims struct {
	Role      string
	SessionID string
	Exp       int64
}

// GenerateToken builds a token for role on sessionID expiring at expUnix.
// Format: base64url(role "." session_id "." exp_unix "." hex(hmac_sha256(secret, role.session_id.exp)))
func GenerateToken(secret, role, sessionID string, expUnix int64) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if role == "" || strings.Contains(role, ".") || strings.Contains(sessionID, ".") {
		return "", ErrTokenFormat
	}
	msg := role + "." + sessionID + "." + strconv.FormatInt(expUnix, 10)
	raw := msg + "." + sign(secret, msg)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// ValidateToken parses token and checks signature, role and expiry. An empty
// expectSessionID accepts any session; a token minted for AnySession matches
// every expected session.
func ValidateToken(secret, token, role, expectSessionID string, now time.Time, skewSeconds int) (Claims, error) {
	if secret == "" {
		return Claims{}, ErrNoSecret
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 4 {
		return Claims{}, ErrTokenFormat
	}
	c := Claims{Role: parts[0], SessionID: parts[1]}
	if c.Exp, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return Claims{}, ErrTokenFormat
	}
	got, err := hex.DecodeString(parts[3])
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	want, _ := hex.DecodeString(sign(secret, strings.Join(parts[:3], ".")))
	// constant-time compare
	if !hmac.Equal(want, got) {
		return Claims{}, ErrTokenSig
	}
	if c.Role != role {
		return Claims{}, ErrTokenRole
	}
	if expectSessionID != "" && c.SessionID != AnySession && c.SessionID != expectSessionID {
		return Claims{}, ErrTokenSID
	}
	if now.Unix() > c.Exp+int64(skewSeconds) {
		return Claims{}, ErrTokenExp
	}
	return c, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return tok, tok != ""
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

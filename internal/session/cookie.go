package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie carrying the signed session token.
const CookieName = "devconsole_session"

const issuer = "devconsole"

// ErrInvalidToken is returned when a session cookie fails verification.
var ErrInvalidToken = errors.New("invalid session token")

type claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// CookieCodec issues and verifies HS256-signed session cookies.
type CookieCodec struct {
	key    []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewCookieCodec creates a codec. A zero ttl issues session cookies without expiry.
func NewCookieCodec(signingKey string, ttl time.Duration, secure bool) (*CookieCodec, error) {
	if len(signingKey) < 16 {
		return nil, fmt.Errorf("session signing key must be at least 16 bytes")
	}
	return &CookieCodec{key: []byte(signingKey), ttl: ttl, secure: secure, now: time.Now}, nil
}

// NewID returns a fresh random session ID.
func NewID() string {
	return uuid.NewString()
}

// Encode signs a token for id.
func (c *CookieCodec) Encode(id string) (string, error) {
	now := c.now()
	cl := claims{
		SessionID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.ttl > 0 {
		cl.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Decode verifies token and returns its session ID.
func (c *CookieCodec) Decode(token string) (string, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if cl.SessionID == "" {
		return "", fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	return cl.SessionID, nil
}

// FromRequest returns the session ID carried by r, or issues a new one.
// fresh is true when a new session was started and the cookie must be set.
func (c *CookieCodec) FromRequest(r *http.Request) (id string, fresh bool) {
	if ck, err := r.Cookie(CookieName); err == nil {
		if id, err := c.Decode(ck.Value); err == nil {
			return id, false
		}
	}
	return NewID(), true
}

// Cookie builds the Set-Cookie value for id.
func (c *CookieCodec) Cookie(id string) (*http.Cookie, error) {
	token, err := c.Encode(id)
	if err != nil {
		return nil, err
	}
	ck := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if c.ttl > 0 {
		ck.MaxAge = int(c.ttl.Seconds())
	}
	return ck, nil
}

package files

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultLinkTTL = 5 * time.Minute

var ErrInvalidLink = errors.New("invalid or expired download link")

type linkClaims struct {
	SessionID string `json:"sid"`
	Path      string `json:"path"`
	jwt.RegisteredClaims
}

// LinkSigner mints short-lived download tokens bound to one session and
// one remote path.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewLinkSigner(secret string, ttl time.Duration) *LinkSigner {
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &LinkSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *LinkSigner) Sign(sessionID, path string) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("download secret not configured")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := linkClaims{
		SessionID: sessionID,
		Path:      path,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   "download",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download link: %w", err)
	}
	return token, expires, nil
}

// Verify returns the session id and path a token was minted for.
func (s *LinkSigner) Verify(token string) (sessionID, path string, err error) {
	if len(s.secret) == 0 {
		return "", "", ErrInvalidLink
	}
	var claims linkClaims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject("download"),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if claims.SessionID == "" || claims.Path == "" {
		return "", "", ErrInvalidLink
	}
	return claims.SessionID, claims.Path, nil
}

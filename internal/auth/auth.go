// Package auth supplies the authentication header sent with every shape and
// write request. The sync client never interprets credentials, it only asks
// for fresh ones after the server answered 401.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderSource returns the headers to add to the next request.
type HeaderSource interface {
	Headers(ctx context.Context) (http.Header, error)
}

// Refresher is implemented by sources that can replace credentials which the
// server rejected.
type Refresher interface {
	Refresh(ctx context.Context) (http.Header, error)
}

// None sends no authentication.
type None struct{}

// Headers returns no headers.
func (None) Headers(context.Context) (http.Header, error) { return http.Header{}, nil }

// Static sends a fixed header.
type Static struct {
	Header string
	Value  string
}

// Headers returns the fixed header.
func (s Static) Headers(context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set(s.Header, s.Value)
	return h, nil
}

var errNoSecret = errors.New("jwt secret must not be empty")

// JWT mints HS256 bearer tokens signed with a shared secret. A token is
// reused until less than a fifth of its lifetime remains.
type JWT struct {
	Header  string
	Secret  []byte
	Subject string
	TTL     time.Duration
	Claims  map[string]string

	now     func() time.Time
	mtx     sync.Mutex
	token   string
	expires time.Time
}

// NewJWT returns a JWT source. header defaults to Authorization.
func NewJWT(header string, secret []byte, subject string, ttl time.Duration, claims map[string]string) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}

	if header == "" {
		header = "Authorization"
	}

	return &JWT{
		Header:  header,
		Secret:  secret,
		Subject: subject,
		TTL:     ttl,
		Claims:  claims,
		now:     time.Now,
	}, nil
}

// Headers returns the bearer token, minting a new one if the cached token is
// about to expire.
func (j *JWT) Headers(context.Context) (http.Header, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if j.token == "" || j.now().Add(j.TTL/5).After(j.expires) {
		if err := j.mint(); err != nil {
			return nil, err
		}
	}

	return j.headers(), nil
}

// Refresh discards the cached token and mints a new one.
func (j *JWT) Refresh(context.Context) (http.Header, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if err := j.mint(); err != nil {
		return nil, err
	}

	return j.headers(), nil
}

func (j *JWT) headers() http.Header {
	h := http.Header{}
	h.Set(j.Header, "Bearer "+j.token)
	return h
}

func (j *JWT) mint() error {
	issuedAt := j.now()
	expires := issuedAt.Add(j.TTL)

	claims := jwt.MapClaims{
		"iat": jwt.NewNumericDate(issuedAt),
		"exp": jwt.NewNumericDate(expires),
	}
	if j.Subject != "" {
		claims["sub"] = j.Subject
	}
	for key, value := range j.Claims {
		claims[key] = value
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	j.token = token
	j.expires = expires

	return nil
}

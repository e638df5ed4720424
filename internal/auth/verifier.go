// Package auth verifies the signed bearer credentials clients connect with.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/WatchRoom/internal/domain"
)

type Reason string

const (
	ReasonExpired          Reason = "expired"
	ReasonMalformed        Reason = "malformed"
	ReasonSignatureInvalid Reason = "signature_invalid"
)

// RejectedError is terminal for the connection attempt.
type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential rejected (%s)", e.Reason)
}

func (e *RejectedError) Unwrap() error { return domain.ErrAuthRejected }

// Claims is the payload of a room credential.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Guest bool   `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

type Option func(*[]jwt.ParserOption)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) Option {
	return func(o *[]jwt.ParserOption) {
		if iss != "" {
			*o = append(*o, jwt.WithIssuer(iss))
		}
	}
}

// WithClock overrides the time source used for exp/nbf checks.
func WithClock(now func() time.Time) Option {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithTimeFunc(now)) }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, o := range opts {
		o(&popts)
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(popts...)}
}

func (v *Verifier) Verify(credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, &RejectedError{Reason: ReasonMalformed, Err: errors.New("empty credential")}
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(credential, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, classify(err)
	}
	id, err := domain.NewIdentity(claims.Subject, claims.Name, claims.Guest)
	if err != nil {
		return domain.Identity{}, &RejectedError{Reason: ReasonMalformed, Err: err}
	}
	return id, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &RejectedError{Reason: ReasonExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &RejectedError{Reason: ReasonSignatureInvalid, Err: err}
	default:
		return &RejectedError{Reason: ReasonMalformed, Err: err}
	}
}

// Signer mints credentials with the same secret. Used by the dev token command
// and tests; production credentials are issued elsewhere.
type Signer struct {
	Secret string
	Issuer string
	Now    func() time.Time
}

func (s Signer) Sign(id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now()
	claims := Claims{
		Name:  id.Name,
		Guest: id.IsGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.ID),
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(t),
			ExpiresAt: jwt.NewNumericDate(t.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
}

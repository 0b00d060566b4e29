// Package auth verifies the identity behind HTTP and WebSocket requests.
//
// marketchat does not issue tokens in production; an upstream identity service signs
// PASETO v4.public access tokens and this package only needs its public key. Issue exists
// for tests and the smoke tool.
package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is the identity carried by a verified access token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier validates access tokens.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// PasetoVerifier verifies v4.public tokens against a fixed issuer.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a verifier from a hex-encoded Ed25519 public key.
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	publicKeyHex = strings.TrimSpace(publicKeyHex)
	if publicKeyHex == "" || strings.TrimSpace(issuer) == "" || clockSkew < 0 {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoVerifier{issuer: issuer, clockSkew: clockSkew, public: public}, nil
}

// Verify parses and validates token. Any failure collapses into ErrInvalidToken.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// Validate slightly in the future so a peer clock ahead of ours does not fail "nbf".
	validNow := now.Add(v.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{UserID: uid, ExpiresAt: exp, IssuedAt: iat, Issuer: iss}, nil
}

// Issuer signs v4.public access tokens.
type Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewIssuer builds an Issuer from a hex-encoded Ed25519 secret key.
func NewIssuer(secretKeyHex, issuer string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(issuer) == "" || ttl <= 0 {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &Issuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// NewKeyPairHex generates a fresh Ed25519 key pair as (secretHex, publicHex).
func NewKeyPairHex() (string, string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// PublicKeyHex returns the verifying key for this issuer.
func (i *Issuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// Issue signs a token for userID valid from now until now+ttl.
func (i *Issuer) Issue(userID string, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, ErrConfig
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	if err := tok.Set("uid", userID); err != nil {
		return "", time.Time{}, err
	}

	return tok.V4Sign(i.secret, nil), exp, nil
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) (*Issuer, *PasetoVerifier) {
	t.Helper()

	secretHex, publicHex := NewKeyPairHex()
	iss, err := NewIssuer(secretHex, "marketchat-test", 15*time.Minute)
	require.NoError(t, err)
	ver, err := NewPasetoVerifier(publicHex, "marketchat-test", 30*time.Second)
	require.NoError(t, err)
	return iss, ver
}

func TestVerify_RoundTrip(t *testing.T) {
	req := require.New(t)
	iss, ver := newTestPair(t)

	// Given
	now := time.Now().UTC()
	tok, exp, err := iss.Issue("42", now)
	req.NoError(err)

	// When
	claims, err := ver.Verify(tok, now)

	// Then
	req.NoError(err)
	req.Equal("42", claims.UserID)
	req.Equal("marketchat-test", claims.Issuer)
	req.WithinDuration(exp, claims.ExpiresAt, time.Second)
}

func TestVerify_RejectsExpiredForeignAndGarbage(t *testing.T) {
	req := require.New(t)
	iss, ver := newTestPair(t)

	now := time.Now().UTC()
	tok, _, err := iss.Issue("42", now.Add(-time.Hour))
	req.NoError(err)

	_, err = ver.Verify(tok, now)
	req.ErrorIs(err, ErrInvalidToken)

	otherIss, _ := newTestPair(t)
	foreign, _, err := otherIss.Issue("42", now)
	req.NoError(err)
	_, err = ver.Verify(foreign, now)
	req.ErrorIs(err, ErrInvalidToken)

	_, err = ver.Verify("v4.public.garbage", now)
	req.ErrorIs(err, ErrInvalidToken)
	_, err = ver.Verify("", now)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestNewPasetoVerifier_BadConfig(t *testing.T) {
	_, err := NewPasetoVerifier("nothex", "iss", 0)
	require.ErrorIs(t, err, ErrConfig)

	_, publicHex := NewKeyPairHex()
	_, err = NewPasetoVerifier(publicHex, "", 0)
	require.ErrorIs(t, err, ErrConfig)
}

func TestAuthenticate_BearerHeaderAndQuery(t *testing.T) {
	req := require.New(t)
	iss, ver := newTestPair(t)
	a := NewAuthenticator(ver, false)

	tok, _, err := iss.Issue("7", time.Now().UTC())
	req.NoError(err)

	r := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	uid, err := a.Authenticate(r)
	req.NoError(err)
	req.Equal("7", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)
	uid, err = a.Authenticate(r)
	req.NoError(err)
	req.Equal("7", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws?user_id=7", nil)
	_, err = a.Authenticate(r)
	req.ErrorIs(err, ErrMissingCredentials)
}

func TestAuthenticate_DevMode(t *testing.T) {
	req := require.New(t)
	a := NewAuthenticator(nil, true)

	r := httptest.NewRequest(http.MethodGet, "/ws?user_id=1", nil)
	uid, err := a.Authenticate(r)
	req.NoError(err)
	req.Equal("1", uid)

	r = httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	r.Header.Set(devUserHeader, "2")
	uid, err = a.Authenticate(r)
	req.NoError(err)
	req.Equal("2", uid)

	r = httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	r.Header.Set("Authorization", "Bearer abc")
	_, err = a.Authenticate(r)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestMiddleware_SetsUserOr401(t *testing.T) {
	req := require.New(t)
	a := NewAuthenticator(nil, true)

	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/online?user_id=9", nil))
	req.Equal(http.StatusNoContent, rr.Code)
	req.Equal("9", seen)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/online", nil))
	req.Equal(http.StatusUnauthorized, rr.Code)
	req.Contains(rr.Body.String(), "unauthorized")
}

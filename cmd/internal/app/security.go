package app

import (
	"errors"
	"fmt"
	"strings"

	"marketchat/cmd/internal/auth"
	"marketchat/cmd/internal/chat"
)

// ValidateSecurityConfig enforces the startup security policy.
// It fails fast instead of silently running with weaker settings.
func ValidateSecurityConfig(cfg Config) error {
	key := strings.TrimSpace(cfg.MessageKeyHex)
	if cfg.RequireMessageKey && key == "" {
		return errors.New("security policy: MARKETCHAT_REQUIRE_MESSAGE_KEY=true but MARKETCHAT_MESSAGE_KEY is missing")
	}
	if key != "" {
		if _, err := chat.NewXChaChaCipherFromHex(key); err != nil {
			return fmt.Errorf("security policy: MARKETCHAT_MESSAGE_KEY: %w", err)
		}
	}

	if !cfg.AuthDevMode && strings.TrimSpace(cfg.AuthPublicKeyHex) == "" {
		return errors.New("security policy: MARKETCHAT_AUTH_PUBLIC_KEY is required unless MARKETCHAT_AUTH_DEV_MODE=true")
	}
	return nil
}

// newCipher returns the at-rest cipher for message text.
func newCipher(cfg Config, log Logger) (chat.Cipher, error) {
	key := strings.TrimSpace(cfg.MessageKeyHex)
	if key == "" {
		log.Warn("security.message_key.missing", "mode", "plaintext")
		return chat.PlainCipher{}, nil
	}
	return chat.NewXChaChaCipherFromHex(key)
}

// newAuthenticator builds the request authenticator shared by HTTP and WebSocket.
func newAuthenticator(cfg Config, log Logger) (*auth.Authenticator, error) {
	var verifier auth.Verifier
	if pk := strings.TrimSpace(cfg.AuthPublicKeyHex); pk != "" {
		v, err := auth.NewPasetoVerifier(pk, cfg.AuthIssuer, cfg.AuthClockSkew)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	if cfg.AuthDevMode {
		log.Warn("security.auth.dev_mode", "note", "identity headers are trusted")
	}
	return auth.NewAuthenticator(verifier, cfg.AuthDevMode), nil
}

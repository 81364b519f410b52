// Package auth verifies wallet-signed requests.
//
// A caller proves key possession per request by signing the decimal bytes of
// a millisecond timestamp nonce with the wallet's ed25519 key. The wallet
// address is the base58 public key.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// Request headers carrying wallet credentials.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderNonce     = "X-Wallet-Nonce"
	HeaderSignature = "X-Wallet-Signature"
)

// DefaultWindow is the accepted clock skew between nonce and server time.
const DefaultWindow = 60 * time.Second

// ErrAuthentication wraps every credential failure.
var ErrAuthentication = errors.New("authentication failed")

// Credentials are the raw values supplied with a request.
type Credentials struct {
	Wallet    string
	Nonce     string
	Signature string
}

// CredentialsFromHeader extracts credentials from request headers.
func CredentialsFromHeader(h http.Header) Credentials {
	return Credentials{
		Wallet:    strings.TrimSpace(h.Get(HeaderWallet)),
		Nonce:     strings.TrimSpace(h.Get(HeaderNonce)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
	}
}

// Apply writes the credentials onto h.
func (c Credentials) Apply(h http.Header) {
	h.Set(HeaderWallet, c.Wallet)
	h.Set(HeaderNonce, c.Nonce)
	h.Set(HeaderSignature, c.Signature)
}

// Sign produces credentials for nonce using priv.
func Sign(priv ed25519.PrivateKey, nonce time.Time) Credentials {
	n := strconv.FormatInt(nonce.UnixMilli(), 10)
	sig := ed25519.Sign(priv, []byte(n))
	return Credentials{
		Wallet:    base58.Encode(priv.Public().(ed25519.PublicKey)),
		Nonce:     n,
		Signature: base58.Encode(sig),
	}
}

// Verifier checks credentials against the replay window and nonce store.
type Verifier struct {
	window time.Duration
	nonces NonceStore
	now    func() time.Time
}

// Config configures a Verifier.
type Config struct {
	Window time.Duration
	// Nonces records used nonces. Nil disables single-use enforcement.
	Nonces NonceStore
	Now    func() time.Time
}

// NewVerifier builds a Verifier, defaulting the window to one minute.
func NewVerifier(cfg Config) *Verifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{window: cfg.Window, nonces: cfg.Nonces, now: cfg.Now}
}

// Verify returns the authenticated wallet address.
func (v *Verifier) Verify(ctx context.Context, c Credentials) (string, error) {
	if c.Wallet == "" || c.Nonce == "" || c.Signature == "" {
		return "", fmt.Errorf("%w: missing wallet credentials", ErrAuthentication)
	}
	pub, err := ParsePublicKey(c.Wallet)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	nonce, err := strconv.ParseInt(c.Nonce, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: nonce must be milliseconds since epoch", ErrAuthentication)
	}
	skew := v.now().UnixMilli() - nonce
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window.Milliseconds() {
		return "", fmt.Errorf("%w: nonce outside %s window", ErrAuthentication, v.window)
	}
	sig, err := decodeSignature(c.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !ed25519.Verify(pub, []byte(c.Nonce), sig) {
		return "", fmt.Errorf("%w: invalid signature", ErrAuthentication)
	}
	if v.nonces != nil {
		fresh, err := v.nonces.Use(ctx, c.Wallet, nonce, 2*v.window)
		if err != nil {
			return "", fmt.Errorf("record nonce: %w", err)
		}
		if !fresh {
			return "", fmt.Errorf("%w: nonce already used", ErrAuthentication)
		}
	}
	return c.Wallet, nil
}

// ParsePublicKey decodes a base58 ed25519 wallet address.
func ParsePublicKey(wallet string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(wallet)
	if err != nil {
		return nil, errors.New("wallet address is not base58")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("wallet address must decode to %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ValidAddress reports whether s looks like a wallet address.
func ValidAddress(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

// decodeSignature accepts base58 and falls back to base64.
func decodeSignature(s string) ([]byte, error) {
	if raw, err := base58.Decode(s); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) == ed25519.SignatureSize {
			return raw, nil
		}
	}
	return nil, errors.New("signature must be a base58 or base64 ed25519 signature")
}

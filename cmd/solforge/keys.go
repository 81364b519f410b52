package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// Key files use the Solana CLI layout: a JSON array of the 64 private key
// bytes (seed followed by public key).

func generateKey(path string, force bool) (ed25519.PrivateKey, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("key file already exists: %s", path)
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	buf, err := json.Marshal(ints)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ints []int
	if err := json.Unmarshal(buf, &ints); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(ints))
	}
	priv := make(ed25519.PrivateKey, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, errors.New("key file contains a value outside 0..255")
		}
		priv[i] = byte(v)
	}
	// The trailing half must be the public key derived from the seed.
	if !ed25519.NewKeyFromSeed(priv.Seed()).Equal(priv) {
		return nil, fmt.Errorf("key file %s: public key does not match seed", path)
	}
	return priv, nil
}

func walletAddress(priv ed25519.PrivateKey) string {
	return base58.Encode(priv.Public().(ed25519.PublicKey))
}

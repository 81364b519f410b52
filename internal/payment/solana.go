package payment

import (
	"encoding/base64"
	"errors"

	"github.com/mr-tron/base58"
)

const signatureLen = 64

// TransactionRef returns the first non-empty signature of a base64 serialized
// Solana transaction, base58 encoded. When a facilitator pays fees, slot 0
// belongs to it and is still empty, so the client's signature is used instead.
func TransactionRef(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.New("transaction is not base64")
	}
	count, n, err := readCompactU16(raw)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", errors.New("transaction has no signatures")
	}
	if len(raw) < n+count*signatureLen {
		return "", errors.New("transaction truncated")
	}
	for i := 0; i < count; i++ {
		sig := raw[n+i*signatureLen : n+(i+1)*signatureLen]
		if !allZero(sig) {
			return base58.Encode(sig), nil
		}
	}
	return "", errors.New("transaction signatures missing")
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// readCompactU16 decodes Solana's shortvec length prefix.
func readCompactU16(b []byte) (int, int, error) {
	var v int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("transaction truncated")
		}
		v |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("invalid signature count")
}

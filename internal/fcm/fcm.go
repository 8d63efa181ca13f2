// Package fcm decrypts the register_fcm_token payload (spec §4.5): the
// broker is a zero-knowledge relay, but this one envelope carries a
// device token that must be readable server-side to hand to a push
// gateway, so the client box-encrypts it with the session's secretKey
// as a symmetric key. Decryption uses
// golang.org/x/crypto/nacl/secretbox, grounded on the x/crypto stack
// already pulled in by the teacher's SASL support.
package fcm

import (
	"encoding/base64"
	"encoding/hex"
	"errors"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/nacl/secretbox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDecrypt covers every way a register_fcm_token payload can fail to
// decrypt: bad key length, truncated ciphertext, or authentication
// failure.
var ErrDecrypt = errors.New("fcm: decrypt failed")

const nonceLen = 24

// Registration is the plaintext payload a client encrypts: a device's
// push token, its identity, and the platform it targets.
type Registration struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// Decrypt unboxes encryptedDataB64 (base64 of nonce||box) using
// secretKeyHex (the session's hex-encoded secretKey, §4.3) as the
// secretbox key, then parses the resulting JSON into a Registration.
func Decrypt(secretKeyHex, encryptedDataB64 string) (Registration, error) {
	keyBytes, err := hex.DecodeString(secretKeyHex)
	if err != nil || len(keyBytes) < 32 {
		return Registration{}, ErrDecrypt
	}
	var key [32]byte
	copy(key[:], keyBytes[:32])

	raw, err := base64.StdEncoding.DecodeString(encryptedDataB64)
	if err != nil || len(raw) < nonceLen {
		return Registration{}, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:nonceLen])

	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, &key)
	if !ok {
		return Registration{}, ErrDecrypt
	}

	var reg Registration
	if err := json.Unmarshal(plain, &reg); err != nil {
		return Registration{}, ErrDecrypt
	}
	return reg, nil
}

package fcm_test

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fastport-io/fastport/internal/fcm"
)

func sealForTest(t *testing.T, key [32]byte, reg fcm.Registration) (string, string) {
	t.Helper()
	plain, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(reg)
	require.NoError(t, err)

	var nonce [24]byte
	copy(nonce[:], []byte("0123456789012345678901234"))
	boxed := secretbox.Seal(nonce[:], plain, &nonce, &key)
	return hex.EncodeToString(key[:]), base64.StdEncoding.EncodeToString(boxed)
}

func TestDecryptRoundTrips(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	keyHex, payload := sealForTest(t, key, fcm.Registration{Token: "tok", DeviceID: "dev1", Platform: "android"})

	reg, err := fcm.Decrypt(keyHex, payload)
	require.NoError(t, err)
	require.Equal(t, "tok", reg.Token)
	require.Equal(t, "dev1", reg.DeviceID)
	require.Equal(t, "android", reg.Platform)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	var key, other [32]byte
	for i := range key {
		key[i] = byte(i)
		other[i] = byte(255 - i)
	}
	_, payload := sealForTest(t, key, fcm.Registration{Token: "tok"})

	_, err := fcm.Decrypt(hex.EncodeToString(other[:]), payload)
	require.ErrorIs(t, err, fcm.ErrDecrypt)
}

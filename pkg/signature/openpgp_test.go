package signature_test

import (
	"bytes"
	"crypto"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/radawson/apt-mirror/pkg/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntity(tb testing.TB, name string) *openpgp.Entity {
	tb.Helper()
	entity, err := openpgp.NewEntity(name, "", name+"@example.com", &packet.Config{
		DefaultHash: crypto.SHA256,
	})
	require.NoError(tb, err)
	return entity
}

func clearsignPayload(tb testing.TB, entity *openpgp.Entity, payload []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	enc, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	require.NoError(tb, err)
	_, err = enc.Write(payload)
	require.NoError(tb, err)
	require.NoError(tb, enc.Close())
	return buf.Bytes()
}

func TestOpenPGPVerifier_Clearsigned(t *testing.T) {
	t.Parallel()
	signer := newEntity(t, "archive")
	payload := []byte("Suite: noble\n")
	signed := clearsignPayload(t, signer, payload)

	v := signature.NewOpenPGPVerifierFromKeys(openpgp.EntityList{signer})
	plaintext, err := v.VerifyClearsigned(signed)
	require.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestOpenPGPVerifier_ClearsignedUntrustedKey(t *testing.T) {
	t.Parallel()
	signed := clearsignPayload(t, newEntity(t, "imposter"), []byte("Suite: noble\n"))

	v := signature.NewOpenPGPVerifierFromKeys(openpgp.EntityList{newEntity(t, "archive")})
	_, err := v.VerifyClearsigned(signed)
	require.Error(t, err)

	var verifyErr *signature.VerifyError
	assert.ErrorAs(t, err, &verifyErr)
}

func TestOpenPGPVerifier_ClearsignedGarbage(t *testing.T) {
	t.Parallel()
	v := signature.NewOpenPGPVerifierFromKeys(openpgp.EntityList{newEntity(t, "archive")})
	_, err := v.VerifyClearsigned([]byte("Suite: noble\n"))

	var verifyErr *signature.VerifyError
	assert.ErrorAs(t, err, &verifyErr)
}

func TestOpenPGPVerifier_Detached(t *testing.T) {
	t.Parallel()
	signer := newEntity(t, "archive")
	payload := []byte("Suite: noble\n")

	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, signer, bytes.NewReader(payload), nil))

	v := signature.NewOpenPGPVerifierFromKeys(openpgp.EntityList{signer})
	require.NoError(t, v.VerifyDetached(payload, sig.Bytes()))

	tampered := append([]byte("x"), payload...)
	err := v.VerifyDetached(tampered, sig.Bytes())
	var verifyErr *signature.VerifyError
	assert.ErrorAs(t, err, &verifyErr)
}

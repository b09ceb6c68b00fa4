package signature

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// OpenPGPVerifier verifies Release signatures against one or more GPG
// keyrings, armored or binary.
type OpenPGPVerifier struct {
	keyring openpgp.EntityList
}

var _ Verifier = (*OpenPGPVerifier)(nil)

// NewOpenPGPVerifier loads every keyring path into one trusted set.
func NewOpenPGPVerifier(keyrings ...string) (*OpenPGPVerifier, error) {
	var entities openpgp.EntityList
	for _, path := range keyrings {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening keyring: %w", err)
		}

		keys, err := openpgp.ReadArmoredKeyRing(f)
		if err != nil {
			// Not armored; retry as a binary keyring.
			if _, seekErr := f.Seek(0, 0); seekErr != nil {
				_ = f.Close()
				return nil, fmt.Errorf("rewinding keyring %s: %w", path, seekErr)
			}
			keys, err = openpgp.ReadKeyRing(f)
		}
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding keyring %s: %w", path, err)
		}
		entities = append(entities, keys...)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no keys loaded")
	}
	return &OpenPGPVerifier{keyring: entities}, nil
}

// NewOpenPGPVerifierFromKeys builds a verifier from an in-memory keyring.
func NewOpenPGPVerifierFromKeys(keyring openpgp.EntityList) *OpenPGPVerifier {
	return &OpenPGPVerifier{keyring: keyring}
}

func (v *OpenPGPVerifier) VerifyClearsigned(data []byte) ([]byte, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, &VerifyError{Err: fmt.Errorf("no clearsigned block found")}
	}
	if _, err := block.VerifySignature(v.keyring, nil); err != nil {
		return nil, &VerifyError{Err: err}
	}
	return block.Plaintext, nil
}

var armorPrefix = []byte("-----BEGIN PGP")

func (v *OpenPGPVerifier) VerifyDetached(data, sig []byte) error {
	var err error
	if bytes.HasPrefix(bytes.TrimLeft(sig, "\n\r \t"), armorPrefix) {
		_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	}
	if err != nil {
		return &VerifyError{Err: err}
	}
	return nil
}

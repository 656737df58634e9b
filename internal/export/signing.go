package export

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Signer produces armored detached OpenPGP signatures over archive manifests.
type Signer struct {
	entity *openpgp.Entity
}

// NewSigner wraps an entity holding a decrypted private key.
func NewSigner(entity *openpgp.Entity) (*Signer, error) {
	if entity == nil || entity.PrivateKey == nil {
		return nil, fmt.Errorf("signing key has no private key")
	}
	if entity.PrivateKey.Encrypted {
		return nil, fmt.Errorf("signing key is encrypted")
	}
	return &Signer{entity: entity}, nil
}

// LoadSigner reads an armored private key file, decrypting it with
// passphrase when the key is protected. The first key in the file is used.
func LoadSigner(path, passphrase string) (*Signer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("signing key file %s contains no keys", path)
	}
	entity := keyring[0]

	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if passphrase == "" {
			return nil, fmt.Errorf("signing key is encrypted and no passphrase is configured")
		}
		if err := entity.DecryptPrivateKeys([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	}
	return NewSigner(entity)
}

// KeyID returns the signing key's fingerprint in upper-case hex.
func (s *Signer) KeyID() string {
	return strings.ToUpper(fmt.Sprintf("%x", s.entity.PrimaryKey.Fingerprint))
}

// Sign returns an armored detached signature of data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.SignatureType, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start signature armor: %w", err)
	}
	if err := openpgp.DetachSign(w, s.entity, bytes.NewReader(data), nil); err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish signature armor: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifySignature checks a detached signature (armored or binary) of data
// against an armored public key ring.
func VerifySignature(publicKeyArmored string, data, signature []byte) error {
	if strings.TrimSpace(publicKeyArmored) == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	if len(signature) == 0 {
		return fmt.Errorf("signature cannot be empty")
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKeyArmored))
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	sig := signature
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		var decoded bytes.Buffer
		if _, err := decoded.ReadFrom(block.Body); err != nil {
			return fmt.Errorf("failed to read armored signature: %w", err)
		}
		sig = decoded.Bytes()
	}

	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// Package verifier manages an Ed25519 trust set and verifies signatures over
// arbitrary byte ranges (spec §4.2 Verifier, §6 key files). The core uses
// Ed25519 rather than GPG/PGP per spec §1's explicit Non-goal; see
// DESIGN.md for why no ecosystem OpenPGP library was wired in here.
package verifier

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KyoshiHikari/apt-ng/internal/clierr"
)

// KeySize is the length in bytes of a raw Ed25519 public or private key.
const KeySize = ed25519.PublicKeySize // 32

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize // 64

// Verifier holds a trust set of Ed25519 public keys.
type Verifier struct {
	keys []ed25519.PublicKey
}

// New constructs a Verifier with an explicit key set.
func New(keys []ed25519.PublicKey) *Verifier {
	return &Verifier{keys: keys}
}

// LoadTrustedKeys reads every *.pub file in dir (spec §6
// trusted.gpg.d/*.pub), each exactly 32 raw bytes, into a Verifier.
func LoadTrustedKeys(dir string) (*Verifier, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, clierr.New(clierr.IO, "LoadTrustedKeys", err)
	}

	var keys []ed25519.PublicKey
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pub" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, clierr.New(clierr.IO, "LoadTrustedKeys", err)
		}
		if len(data) != KeySize {
			return nil, clierr.New(clierr.Signature, "LoadTrustedKeys",
				fmt.Errorf("%s: malformed key length %d, want %d", e.Name(), len(data), KeySize))
		}
		keys = append(keys, ed25519.PublicKey(data))
	}
	return New(keys), nil
}

// Empty reports whether the trust set carries no keys.
func (v *Verifier) Empty() bool { return len(v.keys) == 0 }

// Verify checks sig against data over every trusted key, succeeding if any
// one key verifies it (spec §4.4 verify_signature).
func (v *Verifier) Verify(data, sig []byte) error {
	if len(sig) != SignatureSize {
		return clierr.New(clierr.Signature, "Verify",
			fmt.Errorf("malformed signature length %d, want %d", len(sig), SignatureSize))
	}
	if v.Empty() {
		return clierr.New(clierr.Signature, "Verify", clierr.ErrUnsigned)
	}
	for _, k := range v.keys {
		if ed25519.Verify(k, data, sig) {
			return nil
		}
	}
	return clierr.New(clierr.Signature, "Verify", fmt.Errorf("signature does not verify against any trusted key"))
}

// Sign produces a detached 64-byte Ed25519 signature over data using priv.
// Used by test fixtures and the external .apx builder collaborator; the
// core itself only verifies.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

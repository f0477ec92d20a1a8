package asymkey

import (
	"crypto/ed25519"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorInvalidSigningKeyLength is returned when a decoded Ed25519 key has an invalid length
	ErrorInvalidSigningKeyLength = utils.NewTchapError("ASYMKEY_INVALID_SIGNING_KEY_LENGTH", "invalid Ed25519 key length")
	// ErrorSignatureMismatch is returned when an Ed25519 signature does not verify
	ErrorSignatureMismatch = utils.NewTchapError("ASYMKEY_SIGNATURE_MISMATCH", "signature does not match")
)

// SigningPrivateKey is an Ed25519 key, stored as its 32-byte seed.
type SigningPrivateKey struct {
	key ed25519.PrivateKey
}

type SigningPublicKey struct {
	key ed25519.PublicKey
}

func GenerateSigningKey() (*SigningPrivateKey, error) {
	seed, err := utils.GenerateRandomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return SigningKeyFromSeed(seed)
}

func SigningKeyFromSeed(seed []byte) (*SigningPrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, tracerr.Wrap(ErrorInvalidSigningKeyLength)
	}
	return &SigningPrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func SigningKeyFromB64(b64 string) (*SigningPrivateKey, error) {
	seed, err := utils.Base64DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return SigningKeyFromSeed(seed)
}

func (k *SigningPrivateKey) Seed() []byte {
	return k.key.Seed()
}

func (k *SigningPrivateKey) ToB64() string {
	return utils.EncodeBase64(k.key.Seed())
}

func (k *SigningPrivateKey) Public() *SigningPublicKey {
	return &SigningPublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

func (k *SigningPrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

// SignB64 returns the unpadded base64 signature, as carried in Matrix signatures maps.
func (k *SigningPrivateKey) SignB64(message []byte) string {
	return utils.EncodeBase64(k.Sign(message))
}

func (k *SigningPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *SigningPrivateKey) UnmarshalJSON(b []byte) error {
	var data string
	if err := json.Unmarshal(b, &data); err != nil {
		return tracerr.Wrap(err)
	}
	key, err := SigningKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = key.key
	return nil
}

func SigningPublicKeyDecode(key []byte) (*SigningPublicKey, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, tracerr.Wrap(ErrorInvalidSigningKeyLength)
	}
	k := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(k, key)
	return &SigningPublicKey{key: k}, nil
}

func SigningPublicKeyFromB64(b64 string) (*SigningPublicKey, error) {
	raw, err := utils.Base64DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return SigningPublicKeyDecode(raw)
}

func (k *SigningPublicKey) Encode() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

func (k *SigningPublicKey) ToB64() string {
	return utils.EncodeBase64(k.key)
}

func (k *SigningPublicKey) Equal(other *SigningPublicKey) bool {
	return other != nil && k.key.Equal(other.key)
}

func (k *SigningPublicKey) Verify(message []byte, signature []byte) error {
	if !ed25519.Verify(k.key, message, signature) {
		return tracerr.Wrap(ErrorSignatureMismatch)
	}
	return nil
}

func (k *SigningPublicKey) VerifyB64(message []byte, signature string) error {
	raw, err := utils.Base64DecodeString(signature)
	if err != nil {
		return tracerr.Wrap(ErrorSignatureMismatch.AddDetails("invalid base64"))
	}
	return k.Verify(message, raw)
}

func (k *SigningPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *SigningPublicKey) UnmarshalJSON(b []byte) error {
	var data string
	if err := json.Unmarshal(b, &data); err != nil {
		return tracerr.Wrap(err)
	}
	key, err := SigningPublicKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = key.key
	return nil
}

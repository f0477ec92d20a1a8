package asymkey

import (
	"encoding/hex"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"testing"
)

// RFC 7748 section 6.1
const HexAlicePrivate = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
const HexAlicePublic = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
const HexBobPrivate = "5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb"
const HexBobPublic = "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f"
const HexSharedSecret = "4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742"

// RFC 8032 section 7.1, test 1
const HexEd25519Seed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
const HexEd25519Public = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"
const HexEd25519EmptySignature = "e5564300c360ac729086e2cc806e828a84877f1eb8e5d974d873e065224901555fb8821590a33bacc61e39701cf9b46bd25bf5f0595bbe24655141438e7a100b"

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestAsymkey(t *testing.T) {
	alice, err := PrivateKeyDecode(mustHex(t, HexAlicePrivate))
	require.NoError(t, err)
	bob, err := PrivateKeyDecode(mustHex(t, HexBobPrivate))
	require.NoError(t, err)

	t.Parallel()
	t.Run("PrivateKey", func(t *testing.T) {
		t.Run("Generate", func(t *testing.T) {
			key1, err := Generate()
			require.NoError(t, err)
			key2, err := Generate()
			require.NoError(t, err)
			assert.NotEqual(t, key1.Encode(), key2.Encode())
			assert.Len(t, key1.Encode(), 32)
		})
		t.Run("Public matches test vector", func(t *testing.T) {
			assert.Equal(t, mustHex(t, HexAlicePublic), alice.Public().Encode())
			assert.Equal(t, mustHex(t, HexBobPublic), bob.Public().Encode())
		})
		t.Run("Shared secret matches test vector", func(t *testing.T) {
			s1, err := alice.SharedSecret(bob.Public())
			require.NoError(t, err)
			s2, err := bob.SharedSecret(alice.Public())
			require.NoError(t, err)
			assert.Equal(t, mustHex(t, HexSharedSecret), s1)
			assert.Equal(t, s1, s2)
		})
		t.Run("Low order point is refused", func(t *testing.T) {
			zero, err := PublicKeyDecode(make([]byte, 32))
			require.NoError(t, err)
			_, err = alice.SharedSecret(zero)
			assert.ErrorIs(t, err, ErrorSharedSecret)
		})
		t.Run("Decode invalid length", func(t *testing.T) {
			_, err := PrivateKeyDecode(make([]byte, 31))
			assert.ErrorIs(t, err, ErrorInvalidKeyLength)
			_, err = PrivateKeyFromB64("")
			assert.ErrorIs(t, err, ErrorInvalidKeyLength)
			_, err = PrivateKeyFromB64("not*base64")
			assert.Error(t, err)
		})
		t.Run("B64 round trip", func(t *testing.T) {
			decoded, err := PrivateKeyFromB64(alice.ToB64())
			require.NoError(t, err)
			assert.Equal(t, alice.Encode(), decoded.Encode())
		})
		t.Run("JSON", func(t *testing.T) {
			marshalled, err := json.Marshal(alice)
			require.NoError(t, err)
			assert.Equal(t, `"`+alice.ToB64()+`"`, string(marshalled))
			var decoded PrivateKey
			require.NoError(t, json.Unmarshal(marshalled, &decoded))
			assert.Equal(t, alice.Encode(), decoded.Encode())
			assert.Error(t, json.Unmarshal([]byte("42"), &decoded))
		})
	})

	t.Run("PublicKey", func(t *testing.T) {
		pub := alice.Public()
		t.Run("Equal", func(t *testing.T) {
			assert.True(t, pub.Equal(alice.Public()))
			assert.False(t, pub.Equal(bob.Public()))
			assert.False(t, pub.Equal(nil))
		})
		t.Run("JSON", func(t *testing.T) {
			marshalled, err := json.Marshal(pub)
			require.NoError(t, err)
			var decoded PublicKey
			require.NoError(t, json.Unmarshal(marshalled, &decoded))
			assert.True(t, pub.Equal(&decoded))
			assert.Error(t, json.Unmarshal([]byte(`"AAAA"`), &decoded))
		})
		t.Run("BSON", func(t *testing.T) {
			bt, data, err := pub.MarshalBSONValue()
			require.NoError(t, err)
			assert.Equal(t, bsontype.String, bt)
			var decoded PublicKey
			require.NoError(t, decoded.UnmarshalBSONValue(bt, data))
			assert.True(t, pub.Equal(&decoded))

			assert.ErrorIs(t, decoded.UnmarshalBSONValue(bsontype.Int32, data), ErrorUnmarshalBSONValueInvalidType)
			assert.ErrorIs(t, decoded.UnmarshalBSONValue(bsontype.String, data[:3]), ErrorUnmarshalBSONValueTooShort)

			_, badData, err := bson.MarshalValue("AAAA")
			require.NoError(t, err)
			assert.ErrorIs(t, decoded.UnmarshalBSONValue(bsontype.String, badData), ErrorInvalidKeyLength)

			doc, err := bson.Marshal(struct {
				Key *PublicKey `bson:"key"`
			}{Key: pub})
			require.NoError(t, err)
			val, err := bsoncore.Document(doc).LookupErr("key")
			require.NoError(t, err)
			assert.Equal(t, pub.ToB64(), val.StringValue())
		})
		t.Run("Hash", func(t *testing.T) {
			assert.Equal(t, pub.GetHash(), alice.Public().GetHash())
			assert.NotEqual(t, pub.GetHash(), bob.Public().GetHash())
		})
	})

	t.Run("ECIES", func(t *testing.T) {
		message := []byte(`{"type":"m.room_key","content":{}}`)
		t.Run("Encrypt / Decrypt", func(t *testing.T) {
			payload, err := bob.Public().Encrypt(message)
			require.NoError(t, err)
			decrypted, err := bob.Decrypt(payload)
			require.NoError(t, err)
			assert.Equal(t, message, decrypted)
		})
		t.Run("Ephemeral key changes every time", func(t *testing.T) {
			p1, err := bob.Public().Encrypt(message)
			require.NoError(t, err)
			p2, err := bob.Public().Encrypt(message)
			require.NoError(t, err)
			assert.NotEqual(t, p1.Ephemeral, p2.Ephemeral)
			assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
		})
		t.Run("Wrong recipient", func(t *testing.T) {
			payload, err := bob.Public().Encrypt(message)
			require.NoError(t, err)
			_, err = alice.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptCrypto)
		})
		t.Run("Tampered mac", func(t *testing.T) {
			payload, err := bob.Public().Encrypt(message)
			require.NoError(t, err)
			mac, err := utils.Base64DecodeString(payload.Mac)
			require.NoError(t, err)
			assert.Len(t, mac, symmetric_key.TruncatedMacLength)
			mac[0] ^= 1
			payload.Mac = utils.EncodeBase64(mac)
			_, err = bob.Decrypt(payload)
			assert.ErrorIs(t, err, ErrorDecryptCrypto)
		})
		t.Run("Malformed payload", func(t *testing.T) {
			_, err := bob.Decrypt(nil)
			assert.ErrorIs(t, err, ErrorDecryptCrypto)
			_, err = bob.Decrypt(&EncryptedPayload{Ephemeral: "AAAA"})
			assert.ErrorIs(t, err, ErrorDecryptCrypto)
			_, err = bob.Decrypt(&EncryptedPayload{Ephemeral: alice.Public().ToB64(), Ciphertext: "***"})
			assert.ErrorIs(t, err, ErrorDecryptCrypto)
		})
	})

	t.Run("Signing", func(t *testing.T) {
		key, err := SigningKeyFromSeed(mustHex(t, HexEd25519Seed))
		require.NoError(t, err)
		t.Run("matches test vector", func(t *testing.T) {
			assert.Equal(t, mustHex(t, HexEd25519Public), key.Public().Encode())
			assert.Equal(t, mustHex(t, HexEd25519EmptySignature), key.Sign([]byte{}))
		})
		t.Run("sign and verify", func(t *testing.T) {
			generated, err := GenerateSigningKey()
			require.NoError(t, err)
			sig := generated.SignB64([]byte("hello"))
			assert.NoError(t, generated.Public().VerifyB64([]byte("hello"), sig))
			assert.ErrorIs(t, generated.Public().VerifyB64([]byte("hellO"), sig), ErrorSignatureMismatch)
			assert.ErrorIs(t, key.Public().VerifyB64([]byte("hello"), sig), ErrorSignatureMismatch)
			assert.ErrorIs(t, generated.Public().VerifyB64([]byte("hello"), "%%%"), ErrorSignatureMismatch)
		})
		t.Run("seed round trip", func(t *testing.T) {
			decoded, err := SigningKeyFromB64(key.ToB64())
			require.NoError(t, err)
			assert.True(t, key.Public().Equal(decoded.Public()))
			assert.Equal(t, key.Seed(), decoded.Seed())
		})
		t.Run("invalid length", func(t *testing.T) {
			_, err := SigningKeyFromSeed(make([]byte, 12))
			assert.ErrorIs(t, err, ErrorInvalidSigningKeyLength)
			_, err = SigningPublicKeyDecode(make([]byte, 12))
			assert.ErrorIs(t, err, ErrorInvalidSigningKeyLength)
		})
		t.Run("JSON", func(t *testing.T) {
			marshalled, err := json.Marshal(key)
			require.NoError(t, err)
			var decoded SigningPrivateKey
			require.NoError(t, json.Unmarshal(marshalled, &decoded))
			assert.True(t, key.Public().Equal(decoded.Public()))

			marshalledPub, err := json.Marshal(key.Public())
			require.NoError(t, err)
			var decodedPub SigningPublicKey
			require.NoError(t, json.Unmarshal(marshalledPub, &decodedPub))
			assert.True(t, key.Public().Equal(&decodedPub))
		})
	})
}

package symmetric_key

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/utils"
	"testing"
)

func TestSymKey(t *testing.T) {
	t.Parallel()
	t.Run("SymKey", func(t *testing.T) {
		plainText := []byte("SecretString")

		testSymKey, err := Generate()
		require.NoError(t, err)
		encodedTestSymKey := testSymKey.Encode()
		encryptedText, err := testSymKey.Encrypt(plainText)
		require.NoError(t, err)

		t.Run("Decode", func(t *testing.T) {
			t.Run("can decode", func(t *testing.T) {
				keyBuff := make([]byte, len(encodedTestSymKey))
				copy(keyBuff, encodedTestSymKey)

				decodedSymKey, err := Decode(keyBuff)
				require.NoError(t, err)

				clearText, err := decodedSymKey.Decrypt(encryptedText)
				require.NoError(t, err)
				assert.Equal(t, plainText, clearText)

				// Ensure that keyBuff is not used as reference
				copy(keyBuff, make([]byte, 64))

				clearText, err = decodedSymKey.Decrypt(encryptedText)
				require.NoError(t, err)
				assert.Equal(t, plainText, clearText)
			})
			t.Run("Decode - bad length", func(t *testing.T) {
				_, err := Decode([]byte{})
				assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
				_, err = Decode(make([]byte, 32))
				assert.ErrorIs(t, err, ErrorDecodeInvalidLength)
			})
		})

		t.Run("Encrypt/Decrypt", func(t *testing.T) {
			t.Run("can encrypt and decrypt", func(t *testing.T) {
				cipherText, err := testSymKey.Encrypt(plainText)
				require.NoError(t, err)
				decrypted, err := testSymKey.Decrypt(cipherText)
				require.NoError(t, err)
				assert.Equal(t, plainText, decrypted)
			})
			t.Run("can encrypt empty data", func(t *testing.T) {
				cipherText, err := testSymKey.Encrypt([]byte{})
				require.NoError(t, err)
				assert.Len(t, cipherText, 16+16+32)
				decrypted, err := testSymKey.Decrypt(cipherText)
				require.NoError(t, err)
				assert.Empty(t, decrypted)
			})
			t.Run("decrypt invalid buffer", func(t *testing.T) {
				_, err := testSymKey.Decrypt(make([]byte, 25))
				assert.ErrorIs(t, err, ErrorDecryptCipherTooShort)
				_, err = testSymKey.Decrypt(make([]byte, 425))
				assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
			})
			t.Run("tampered ciphertext", func(t *testing.T) {
				cipherText, err := testSymKey.Encrypt(plainText)
				require.NoError(t, err)
				cipherText[20] ^= 1
				_, err = testSymKey.Decrypt(cipherText)
				assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
			})
			t.Run("cannot encrypt with invalid key", func(t *testing.T) {
				key := SymKey{}
				_, err := key.Encrypt(plainText)
				assert.ErrorIs(t, err, ErrorInvalidKeySize)
			})
			t.Run("cannot decrypt with invalid key", func(t *testing.T) {
				key := SymKey{}
				_, err := key.Decrypt(plainText)
				assert.ErrorIs(t, err, ErrorInvalidKeySize)
			})
		})
	})

	t.Run("pkcs7", func(t *testing.T) {
		for size := 0; size < 40; size++ {
			data, err := utils.GenerateRandomBytes(size)
			require.NoError(t, err)
			padded, err := pkcs7Pad(append([]byte{}, data...), 16)
			require.NoError(t, err)
			assert.Equal(t, 0, len(padded)%16)
			assert.Greater(t, len(padded), size)
			unpadded, err := pkcs7Unpad(padded, 16)
			require.NoError(t, err)
			assert.Equal(t, data, unpadded)
		}
		_, err := pkcs7Pad([]byte{}, 0)
		assert.ErrorIs(t, err, ErrorPadInvalidBlockLen)
		_, err = pkcs7Unpad(make([]byte, 15), 16)
		assert.ErrorIs(t, err, ErrorUnpadInvalidDataLen)
		_, err = pkcs7Unpad(make([]byte, 16), 16)
		assert.ErrorIs(t, err, ErrorUnpadInvalidPadLen)
		badPad := make([]byte, 16)
		badPad[15] = 2
		_, err = pkcs7Unpad(badPad, 16)
		assert.ErrorIs(t, err, ErrorUnpadInvalidPad)
	})

	t.Run("DerivedKey", func(t *testing.T) {
		secret, err := utils.GenerateRandomBytes(32)
		require.NoError(t, err)

		t.Run("derivation is deterministic", func(t *testing.T) {
			k1, err := Derive(secret, nil, "MEGOLM_KEYS")
			require.NoError(t, err)
			k2, err := Derive(secret, nil, "MEGOLM_KEYS")
			require.NoError(t, err)
			assert.Equal(t, k1.Encode(), k2.Encode())
			assert.Equal(t, k1.iv, k2.iv)
			assert.Len(t, k1.iv, 16)

			k3, err := Derive(secret, nil, "OTHER_INFO")
			require.NoError(t, err)
			assert.NotEqual(t, k1.Encode(), k3.Encode())
		})
		t.Run("seal and open", func(t *testing.T) {
			key, err := Derive(secret, nil, "test")
			require.NoError(t, err)
			cipherText, mac, err := key.Seal([]byte("hello"))
			require.NoError(t, err)
			assert.Len(t, mac, TruncatedMacLength)

			again, _, err := key.Seal([]byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, cipherText, again) // fixed IV

			plain, err := key.Open(cipherText, mac)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), plain)

			mac[0] ^= 1
			_, err = key.Open(cipherText, mac)
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})
		t.Run("wrong key cannot open", func(t *testing.T) {
			key, err := Derive(secret, nil, "a")
			require.NoError(t, err)
			other, err := Derive(secret, nil, "b")
			require.NoError(t, err)
			cipherText, mac, err := key.Seal([]byte("hello"))
			require.NoError(t, err)
			_, err = other.Open(cipherText, mac)
			assert.ErrorIs(t, err, ErrorDecryptMacMismatch)
		})
	})
}

package crosssigning

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"testing"
)

func newDevice(t *testing.T, userId string, deviceId string) (*common_models.DeviceKeys, *asymkey.SigningPrivateKey) {
	signingKey, err := asymkey.GenerateSigningKey()
	require.NoError(t, err)
	encryptionKey, err := asymkey.Generate()
	require.NoError(t, err)
	device := &common_models.DeviceKeys{
		UserId:     userId,
		DeviceId:   deviceId,
		Algorithms: []string{common_models.AlgorithmToDevice, common_models.AlgorithmMegolm},
		Keys: map[string]string{
			"ed25519:" + deviceId:    signingKey.Public().ToB64(),
			"curve25519:" + deviceId: encryptionKey.Public().ToB64(),
		},
	}
	require.NoError(t, SignDeviceKeys(device, userId, DeviceKeyId(deviceId), signingKey))
	return device, signingKey
}

func TestSignedJSON(t *testing.T) {
	t.Parallel()
	device, _ := newDevice(t, "@alice:localhost", "ALICEDEV")

	t.Run("canonical form ignores signatures and unsigned", func(t *testing.T) {
		before, err := CanonicalJSON(device)
		require.NoError(t, err)
		withUnsigned := *device
		withUnsigned.Unsigned = &common_models.UnsignedDeviceInfo{DeviceDisplayName: "phone"}
		withUnsigned.Signatures = common_models.Signatures{}
		after, err := CanonicalJSON(&withUnsigned)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.NotContains(t, string(after), "signatures")
	})
	t.Run("self signature", func(t *testing.T) {
		pub, err := VerifyDeviceSelfSignature(device)
		require.NoError(t, err)
		assert.Equal(t, device.Ed25519(), pub.ToB64())
	})
	t.Run("tampered device", func(t *testing.T) {
		tampered := *device
		tampered.Keys = map[string]string{
			"ed25519:ALICEDEV":    device.Ed25519(),
			"curve25519:ALICEDEV": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		}
		_, err := VerifyDeviceSelfSignature(&tampered)
		assert.ErrorIs(t, err, ErrorSignatureInvalid)
	})
	t.Run("missing signature", func(t *testing.T) {
		unsigned := *device
		unsigned.Signatures = nil
		_, err := VerifyDeviceSelfSignature(&unsigned)
		assert.ErrorIs(t, err, ErrorSignatureMissing)
	})
	t.Run("only objects can be signed", func(t *testing.T) {
		key, err := asymkey.GenerateSigningKey()
		require.NoError(t, err)
		_, err = SignJSON([]string{"a"}, key)
		assert.ErrorIs(t, err, ErrorNotAnObject)
	})
}

func TestCrossSigningKeys(t *testing.T) {
	t.Parallel()
	userId := "@alice:localhost"
	privateKeys, err := Generate()
	require.NoError(t, err)
	publicKeys, err := privateKeys.PublicKeys(userId)
	require.NoError(t, err)

	t.Run("published keys check", func(t *testing.T) {
		masterPub, err := CheckMasterKey(publicKeys.Master, userId)
		require.NoError(t, err)
		assert.True(t, masterPub.Equal(privateKeys.Master.Public()))

		sskPub, err := CheckSelfSigningKey(publicKeys.SelfSigning, publicKeys.Master)
		require.NoError(t, err)
		assert.True(t, sskPub.Equal(privateKeys.SelfSigning.Public()))

		uskPub, err := CheckUserSigningKey(publicKeys.UserSigning, publicKeys.Master)
		require.NoError(t, err)
		assert.True(t, uskPub.Equal(privateKeys.UserSigning.Public()))
	})
	t.Run("usage is enforced", func(t *testing.T) {
		_, err := CheckSelfSigningKey(publicKeys.UserSigning, publicKeys.Master)
		assert.ErrorIs(t, err, ErrorInvalidKeyUsage)
		_, err = CheckMasterKey(publicKeys.SelfSigning, userId)
		assert.ErrorIs(t, err, ErrorInvalidKeyUsage)
	})
	t.Run("owner is enforced", func(t *testing.T) {
		_, err := CheckMasterKey(publicKeys.Master, "@bob:localhost")
		assert.ErrorIs(t, err, ErrorInvalidKeyOwner)
	})
	t.Run("SSK signed by another master is refused", func(t *testing.T) {
		otherKeys, err := Generate()
		require.NoError(t, err)
		otherPublic, err := otherKeys.PublicKeys(userId)
		require.NoError(t, err)
		_, err = CheckSelfSigningKey(publicKeys.SelfSigning, otherPublic.Master)
		assert.ErrorIs(t, err, ErrorSignatureMissing)
	})
	t.Run("device signed by SSK", func(t *testing.T) {
		device, _ := newDevice(t, userId, "DEV2")
		assert.ErrorIs(t, CheckDeviceSignedBySSK(device, publicKeys.SelfSigning), ErrorSignatureMissing)
		require.NoError(t, SignDeviceKeys(device, userId, KeyId(privateKeys.SelfSigning.Public()), privateKeys.SelfSigning))
		assert.NoError(t, CheckDeviceSignedBySSK(device, publicKeys.SelfSigning))
		// the self signature is still valid after adding the SSK one
		_, err := VerifyDeviceSelfSignature(device)
		assert.NoError(t, err)
	})
	t.Run("private matches public", func(t *testing.T) {
		assert.NoError(t, PrivateMatchesPublic(privateKeys.SelfSigning, publicKeys.SelfSigning))
		assert.ErrorIs(t, PrivateMatchesPublic(privateKeys.UserSigning, publicKeys.SelfSigning), ErrorPrivateKeyMismatch)
		assert.ErrorIs(t, PrivateMatchesPublic(nil, publicKeys.SelfSigning), ErrorMissingPrivateKey)
	})
	t.Run("missing private keys", func(t *testing.T) {
		partial := &PrivateKeys{Master: privateKeys.Master}
		_, err := partial.PublicKeys(userId)
		assert.ErrorIs(t, err, ErrorMissingPrivateKey)
	})
	t.Run("malformed key", func(t *testing.T) {
		_, err := PublicKeyOf(&common_models.CrossSigningKey{Keys: map[string]string{"ed25519:x": "AAAA"}})
		assert.ErrorIs(t, err, ErrorInvalidKey)
		_, err = PublicKeyOf(nil)
		assert.ErrorIs(t, err, ErrorInvalidKey)
	})
}

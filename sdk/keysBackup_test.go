package sdk

import (
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/test_utils"
	"github.com/tchap/go-tchap-sdk/utils"
	"strings"
	"testing"
)

func TestRecoveryKey(t *testing.T) {
	t.Parallel()
	key, err := utils.GenerateRandomBytes(32)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		recoveryKey := EncodeRecoveryKey(key)
		for _, group := range strings.Split(recoveryKey, " ")[:len(strings.Split(recoveryKey, " "))-1] {
			assert.Len(t, group, 4)
		}
		decoded, err := DecodeRecoveryKey(recoveryKey)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)

		// spaces do not matter
		decoded, err = DecodeRecoveryKey(strings.ReplaceAll(recoveryKey, " ", ""))
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		assert.Equal(t, EncodeRecoveryKey(key), EncodeRecoveryKey(append([]byte{}, key...)))
	})

	t.Run("wrong parity", func(t *testing.T) {
		raw, err := base58.Decode(strings.ReplaceAll(EncodeRecoveryKey(key), " ", ""))
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		_, err = DecodeRecoveryKey(base58.Encode(raw))
		assert.ErrorIs(t, err, ErrorInvalidRecoveryKey)
	})

	t.Run("wrong prefix", func(t *testing.T) {
		buf := append([]byte{0x8B, 0x02}, key...)
		parity := byte(0)
		for _, b := range buf {
			parity ^= b
		}
		_, err := DecodeRecoveryKey(base58.Encode(append(buf, parity)))
		assert.ErrorIs(t, err, ErrorInvalidRecoveryKey)
	})

	t.Run("wrong length or alphabet", func(t *testing.T) {
		_, err := DecodeRecoveryKey(EncodeRecoveryKey(key[:16]))
		assert.ErrorIs(t, err, ErrorInvalidRecoveryKey)
		_, err = DecodeRecoveryKey("0OIl not base58")
		assert.ErrorIs(t, err, ErrorInvalidRecoveryKey)
	})
}

func Test_KeysBackup(t *testing.T) {
	t.Parallel()
	homeserverUrl := test_utils.StartHomeserver(t)

	t.Run("create, back up and restore on a new device", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "backup_restore_alice")

		current, err := alice.GetCurrentBackupVersion()
		require.NoError(t, err)
		assert.Nil(t, current)
		assert.ErrorIs(t, alice.BackupRoomKeys(), ErrorNoBackupVersion)

		info, err := alice.PrepareKeysBackupVersion("")
		require.NoError(t, err)
		version, err := alice.CreateKeysBackupVersion(info)
		require.NoError(t, err)
		saved := alice.GetKeyBackupRecoveryKeyInfo()
		require.NotNil(t, saved)
		assert.Equal(t, info.RecoveryKey, saved.RecoveryKey)
		assert.Equal(t, version.Version, saved.Version)

		valid, err := alice.IsValidRecoveryKeyForCurrentVersion(info.RecoveryKey)
		require.NoError(t, err)
		assert.True(t, valid)
		other, err := alice.PrepareKeysBackupVersion("")
		require.NoError(t, err)
		valid, err = alice.IsValidRecoveryKeyForCurrentVersion(other.RecoveryKey)
		require.NoError(t, err)
		assert.False(t, valid)

		roomId, before := createEncryptedRoom(t, alice)
		require.NoError(t, alice.BackupRoomKeys())

		alice2 := loginTestSession(t, homeserverUrl, alice, "backup_restore_alice2")
		_, _, err = alice2.RestoreKeyBackupWithRecoveryKey(version.Version, other.RecoveryKey)
		assert.ErrorIs(t, err, ErrorRecoveryKeyMismatch)

		imported, total, err := alice2.RestoreKeyBackupWithRecoveryKey(version.Version, info.RecoveryKey)
		require.NoError(t, err)
		assert.Equal(t, 1, imported)
		assert.Equal(t, 1, total)

		event, err := alice2.GetTimelineEvent(roomId, before.EventId)
		require.NoError(t, err)
		result, err := alice2.DecryptEvent(event, "")
		require.NoError(t, err)
		assert.Equal(t, uint32(0), result.MessageIndex)

		// restoring again imports nothing new
		imported, total, err = alice2.RestoreKeyBackupWithRecoveryKey(version.Version, info.RecoveryKey)
		require.NoError(t, err)
		assert.Equal(t, 0, imported)
		assert.Equal(t, 1, total)
	})

	t.Run("backup key derived from a password", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "backup_password_alice")
		info, err := alice.PrepareKeysBackupVersion("a backup password")
		require.NoError(t, err)
		assert.Equal(t, defaultBackupIterations, info.AuthData.PrivateKeyIterations)
		assert.Len(t, info.AuthData.PrivateKeySalt, backupSaltLength)
		_, err = alice.CreateKeysBackupVersion(info)
		require.NoError(t, err)

		current, err := alice.GetCurrentBackupVersion()
		require.NoError(t, err)
		require.NotNil(t, current)
		authData, err := backupAuthData(current)
		require.NoError(t, err)
		assert.Equal(t, info.AuthData.PublicKey, authData.PublicKey)
		assert.Equal(t, info.AuthData.PrivateKeySalt, authData.PrivateKeySalt)
	})

	t.Run("SaveBackupRecoveryKey refuses a wrong key", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "backup_save_alice")
		info, err := alice.PrepareKeysBackupVersion("")
		require.NoError(t, err)
		version, err := alice.CreateKeysBackupVersion(info)
		require.NoError(t, err)

		alice2 := loginTestSession(t, homeserverUrl, alice, "backup_save_alice2")
		err = alice2.SaveBackupRecoveryKey("not a key", version.Version)
		assert.ErrorIs(t, err, ErrorInvalidRecoveryKey)
		assert.Nil(t, alice2.GetKeyBackupRecoveryKeyInfo())

		require.NoError(t, alice2.SaveBackupRecoveryKey(info.RecoveryKey, version.Version))
		assert.Equal(t, info.RecoveryKey, alice2.GetKeyBackupRecoveryKeyInfo().RecoveryKey)
	})
}

package sdk

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/test_utils"
	"testing"
	"time"
)

func Test_SASVerification(t *testing.T) {
	t.Parallel()
	homeserverUrl := test_utils.StartHomeserver(t)

	t.Run("short codes are equal on both devices", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "sas_codes_alice")
		bob := createTestSession(t, homeserverUrl, "sas_codes_bob")
		startSync(t, alice, bob)

		outgoing, incoming := startSasVerification(t, alice, bob)
		assert.True(t, incoming.IsIncoming())
		assert.False(t, outgoing.IsIncoming())
		assert.Equal(t, bob.MyDeviceId(), outgoing.OtherDeviceId())
		assert.Equal(t, alice.MyDeviceId(), incoming.OtherDeviceId())

		decimal := outgoing.GetDecimalCodeRepresentation()
		assert.Regexp(t, `^\d{4} \d{4} \d{4}$`, decimal)
		assert.Equal(t, decimal, incoming.GetDecimalCodeRepresentation())

		emojis := outgoing.GetEmojiCodeRepresentation()
		assert.Len(t, emojis, 7)
		assert.Equal(t, emojis, incoming.GetEmojiCodeRepresentation())

		require.NoError(t, outgoing.UserHasVerifiedShortCode())
		require.NoError(t, incoming.UserHasVerifiedShortCode())
		requireTxState(t, outgoing, VerificationTxStateVerified)
		requireTxState(t, incoming, VerificationTxStateVerified)

		assert.True(t, alice.GetDeviceInfo(bob.MyUserId(), bob.MyDeviceId()).IsVerified())
		assert.True(t, bob.GetDeviceInfo(alice.MyUserId(), alice.MyDeviceId()).IsVerified())
	})

	t.Run("mismatched short code cancels without trust", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "sas_mismatch_alice")
		bob := createTestSession(t, homeserverUrl, "sas_mismatch_bob")
		startSync(t, alice, bob)

		outgoing, incoming := startSasVerification(t, alice, bob)
		incoming.ShortCodeDoesNotMatch()
		assert.Equal(t, VerificationTxStateCancelled, incoming.State())
		assert.Equal(t, CancelCodeMismatchedSas, incoming.CancelCode())

		requireTxState(t, outgoing, VerificationTxStateOnCancelled)
		assert.Equal(t, CancelCodeMismatchedSas, outgoing.CancelCode())

		err := outgoing.UserHasVerifiedShortCode()
		assert.ErrorIs(t, err, ErrorVerificationBadState)

		assert.False(t, alice.GetDeviceInfo(bob.MyUserId(), bob.MyDeviceId()).IsVerified())
		assert.False(t, bob.GetDeviceInfo(alice.MyUserId(), alice.MyDeviceId()).IsVerified())
	})

	t.Run("user cancel is propagated", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "sas_cancel_alice")
		bob := createTestSession(t, homeserverUrl, "sas_cancel_bob")
		startSync(t, alice, bob)

		outgoing, incoming := startSasVerification(t, alice, bob)
		outgoing.Cancel()
		assert.Equal(t, VerificationTxStateCancelled, outgoing.State())
		requireTxState(t, incoming, VerificationTxStateOnCancelled)
		assert.Equal(t, CancelCodeUser, incoming.CancelCode())

		request := alice.Verification().GetExistingVerificationRequest(bob.MyUserId(), outgoing.TransactionId())
		require.NotNil(t, request)
		assert.Equal(t, VerificationRequestStateCancelled, request.State)
	})

	t.Run("transaction times out", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "sas_timeout_alice")
		bob := createTestSession(t, homeserverUrl, "sas_timeout_bob")
		alice.verification.timeout = 200 * time.Millisecond

		tx, err := alice.Verification().BeginKeyVerification(common_models.VerificationMethodSAS, bob.MyUserId(), bob.MyDeviceId(), "")
		require.NoError(t, err)
		assert.Equal(t, VerificationTxStateStarted, tx.State())
		requireTxState(t, tx, VerificationTxStateCancelled)
		assert.Equal(t, CancelCodeTimeout, tx.CancelCode())
		assert.Same(t, tx.sasTransaction, alice.Verification().GetExistingTransaction(bob.MyUserId(), tx.TransactionId()).(*OutgoingSasVerificationTransaction).sasTransaction)
	})

	t.Run("refuses bad arguments", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "sas_args_alice")

		_, err := alice.Verification().BeginKeyVerification("m.reciprocate.v1", alice.MyUserId(), "OTHER", "")
		assert.ErrorIs(t, err, ErrorVerificationUnknownMethod)
		_, err = alice.Verification().BeginKeyVerification(common_models.VerificationMethodSAS, alice.MyUserId(), alice.MyDeviceId(), "")
		assert.ErrorIs(t, err, ErrorVerificationSelf)
		_, err = alice.Verification().BeginKeyVerification(common_models.VerificationMethodSAS, alice.MyUserId(), "NOTADEVICE", "")
		assert.ErrorIs(t, err, ErrorUnknownDevice)
		_, err = alice.Verification().RequestKeyVerification([]string{common_models.VerificationMethodSAS}, alice.MyUserId(), nil)
		assert.ErrorIs(t, err, ErrorUnknownDevice)
		err = alice.Verification().ReadyPendingVerification("unknown")
		assert.ErrorIs(t, err, ErrorVerificationUnknownRequest)
	})
}

func Test_VerificationGivesCrossSigning(t *testing.T) {
	t.Parallel()
	homeserverUrl := test_utils.StartHomeserver(t)

	t.Run("new device can cross-sign and knows the recovery key once verified", func(t *testing.T) {
		t.Parallel()
		first := createTestSession(t, homeserverUrl, "xsign_first")
		recoveryKey := bootstrapSecrets(t, first)

		second := loginTestSession(t, homeserverUrl, first, "xsign_second")
		assert.False(t, second.CanCrossSign())
		assert.Nil(t, second.GetKeyBackupRecoveryKeyInfo())
		startSync(t, first, second)

		verifySessions(t, second, first)

		require.Eventually(t, second.CanCrossSign, eventualTimeout, eventualTick)
		require.Eventually(t, func() bool { return second.GetKeyBackupRecoveryKeyInfo() != nil }, eventualTimeout, eventualTick)
		assert.Equal(t, recoveryKey, second.GetKeyBackupRecoveryKeyInfo().RecoveryKey)
		assert.Equal(t, first.GetKeyBackupRecoveryKeyInfo().Version, second.GetKeyBackupRecoveryKeyInfo().Version)

		// first trusts second through the self-signing key as well as locally
		require.Eventually(t, func() bool {
			device := first.GetDeviceInfo(second.MyUserId(), second.MyDeviceId())
			return device != nil && device.Trust.LocallyVerified
		}, eventualTimeout, eventualTick)
		require.Eventually(t, func() bool {
			_, _ = first.DownloadKeys([]string{first.MyUserId()}, true)
			device := first.GetDeviceInfo(second.MyUserId(), second.MyDeviceId())
			return device != nil && device.Trust.CrossSigningVerified
		}, eventualTimeout, 100*time.Millisecond)

		// every secret request of second was answered
		require.Eventually(t, func() bool {
			for _, request := range second.GetOutgoingGossipingRequests() {
				if request.SecretName != "" && request.State.isOutstanding() {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
	})

	t.Run("a third device verified by a cross-signing device is trusted by all", func(t *testing.T) {
		t.Parallel()
		first := createTestSession(t, homeserverUrl, "xsign3_first")
		bootstrapSecrets(t, first)
		second := loginTestSession(t, homeserverUrl, first, "xsign3_second")
		third := loginTestSession(t, homeserverUrl, first, "xsign3_third")
		startSync(t, first, second, third)

		verifySessions(t, third, first)
		require.Eventually(t, third.CanCrossSign, eventualTimeout, eventualTick)

		// second never verified anything, so it sees nothing as trusted
		_, err := second.DownloadKeys([]string{second.MyUserId()}, true)
		require.NoError(t, err)
		assert.False(t, second.GetDeviceInfo(third.MyUserId(), third.MyDeviceId()).IsVerified())

		_, err = third.DownloadKeys([]string{third.MyUserId()}, true)
		require.NoError(t, err)
		assert.True(t, third.GetDeviceInfo(first.MyUserId(), first.MyDeviceId()).IsVerified())
	})
}

package sdk

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/test_utils"
	"testing"
	"time"
)

// waitForEvent waits until the event reached the local timeline of the room.
func waitForEvent(t *testing.T, session *Session, roomId string, eventId string) *common_models.Event {
	var event *common_models.Event
	require.Eventually(t, func() bool {
		room := session.GetRoom(roomId)
		if room == nil {
			return false
		}
		event = room.findEvent(eventId)
		return event != nil
	}, eventualTimeout, eventualTick, "event %s never received", eventId)
	return event
}

func incomingRequestsFor(session *Session, userId string, deviceId string) []IncomingGossipingRequest {
	var result []IncomingGossipingRequest
	for _, request := range session.GetIncomingGossipingRequests() {
		if request.UserId == userId && request.DeviceId == deviceId {
			result = append(result, request)
		}
	}
	return result
}

// createEncryptedRoom makes owner create an encrypted room and send a first message in it.
func createEncryptedRoom(t *testing.T, owner *Session) (string, *common_models.Event) {
	roomId, err := owner.CreateRoom(&CreateRoomParams{Name: "secret room", EnableEncryption: true})
	require.NoError(t, err)
	sent, err := owner.SendTextMessage(roomId, "before you came", 1)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	return roomId, &sent[0]
}

// inviteAndJoin makes owner invite guest into the room, then guest join it.
func inviteAndJoin(t *testing.T, owner *Session, guest *Session, roomId string) {
	require.NoError(t, owner.InviteUser(roomId, guest.MyUserId()))
	require.NoError(t, guest.JoinRoom(roomId))
}

func Test_RoomKeyGossiping(t *testing.T) {
	t.Parallel()
	homeserverUrl := test_utils.StartHomeserver(t)

	t.Run("late joiner cannot decrypt earlier messages, even after re-requesting", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "late_joiner_alice")
		carol := createTestSession(t, homeserverUrl, "late_joiner_carol")

		roomId, before := createEncryptedRoom(t, alice)
		inviteAndJoin(t, alice, carol, roomId)
		sent, err := alice.SendTextMessage(roomId, "after you came", 1)
		require.NoError(t, err)
		after := sent[0]
		startSync(t, alice, carol)

		afterEvent := waitForEvent(t, carol, roomId, after.EventId)
		var result *DecryptionResult
		require.Eventually(t, func() bool {
			result = carol.TryDecryptEvent(afterEvent, "")
			return result != nil
		}, eventualTimeout, eventualTick)
		var content common_models.RoomMessageContent
		require.NoError(t, result.ClearEvent.ParseContent(&content))
		assert.Equal(t, "after you came", content.Body)
		assert.Equal(t, uint32(1), result.MessageIndex)

		beforeEvent := waitForEvent(t, carol, roomId, before.EventId)
		_, err = carol.DecryptEvent(beforeEvent, "")
		assert.ErrorIs(t, err, ErrorUnknownMessageIndex)

		require.NoError(t, carol.ReRequestRoomKeyForEvent(beforeEvent))
		// alice answers, but only from the index carol received the session at
		require.Eventually(t, func() bool {
			for _, request := range incomingRequestsFor(alice, carol.MyUserId(), carol.MyDeviceId()) {
				if request.State == GossipingRequestStateAccepted {
					return true
				}
			}
			return false
		}, eventualTimeout, eventualTick)
		time.Sleep(300 * time.Millisecond)
		_, err = carol.DecryptEvent(beforeEvent, "")
		assert.ErrorIs(t, err, ErrorUnknownMessageIndex)
	})

	t.Run("rotated session is not forwarded to a late joiner", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "rotated_alice")
		bob := createTestSession(t, homeserverUrl, "rotated_bob")

		roomId, err := alice.CreateRoom(&CreateRoomParams{Name: "rotated", EnableEncryption: true})
		require.NoError(t, err)
		before, err := alice.SendTextMessage(roomId, "before you came", 3)
		require.NoError(t, err)
		require.Len(t, before, 3)
		inviteAndJoin(t, alice, bob, roomId)
		require.NoError(t, alice.DiscardOutboundSession(roomId))
		sent, err := alice.SendTextMessage(roomId, "after you came", 1)
		require.NoError(t, err)
		after := sent[0]
		startSync(t, alice, bob)

		afterEvent := waitForEvent(t, bob, roomId, after.EventId)
		var result *DecryptionResult
		require.Eventually(t, func() bool {
			result = bob.TryDecryptEvent(afterEvent, "")
			return result != nil
		}, eventualTimeout, eventualTick)
		assert.Equal(t, uint32(0), result.MessageIndex)

		secondEvent := waitForEvent(t, bob, roomId, before[1].EventId)
		_, err = bob.DecryptEvent(secondEvent, "")
		assert.ErrorIs(t, err, ErrorUnknownInboundSessionId)

		require.NoError(t, bob.ReRequestRoomKeyForEvent(secondEvent))
		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(alice, bob.MyUserId(), bob.MyDeviceId())
			return len(requests) == 1 && requests[0].State == GossipingRequestStateRejected
		}, eventualTimeout, eventualTick)
		assert.Nil(t, bob.TryDecryptEvent(secondEvent, ""))

		// trusting bob's device does not make him a recipient of the first session
		require.NoError(t, alice.SetDeviceVerification(true, bob.MyUserId(), bob.MyDeviceId()))
		require.NoError(t, bob.ReRequestRoomKeyForEvent(secondEvent))
		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(alice, bob.MyUserId(), bob.MyDeviceId())
			if len(requests) != 2 {
				return false
			}
			for _, request := range requests {
				if request.State != GossipingRequestStateRejected {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
		time.Sleep(300 * time.Millisecond)
		assert.Nil(t, bob.TryDecryptEvent(secondEvent, ""))
	})

	t.Run("room key request for a session never shared is rejected", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "never_shared_alice")
		dave := createTestSession(t, homeserverUrl, "never_shared_dave")
		roomId, before := createEncryptedRoom(t, alice)
		startSync(t, alice, dave)

		var content common_models.EncryptedEventContent
		require.NoError(t, before.ParseContent(&content))
		err := dave.RequestRoomKey(&common_models.RoomKeyRequestBody{
			Algorithm: common_models.AlgorithmMegolm,
			RoomId:    roomId,
			SenderKey: content.SenderKey,
			SessionId: content.SessionId,
		}, alice.MyUserId(), alice.MyDeviceId())
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(alice, dave.MyUserId(), dave.MyDeviceId())
			return len(requests) == 1 && requests[0].State == GossipingRequestStateRejected
		}, eventualTimeout, eventualTick)
		assert.Nil(t, dave.getInboundSession(roomId, content.SenderKey, content.SessionId))
	})

	t.Run("own device gets the full session once verified", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "own_device_alice")
		roomId, before := createEncryptedRoom(t, alice)
		alice2 := loginTestSession(t, homeserverUrl, alice, "own_device_alice2")
		require.NoError(t, alice2.JoinRoom(roomId))
		startSync(t, alice, alice2)

		beforeEvent := waitForEvent(t, alice2, roomId, before.EventId)
		_, err := alice2.DecryptEvent(beforeEvent, "")
		assert.ErrorIs(t, err, ErrorUnknownInboundSessionId)

		require.NoError(t, alice2.ReRequestRoomKeyForEvent(beforeEvent))
		// not verified yet: the request waits
		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(alice, alice2.MyUserId(), alice2.MyDeviceId())
			return len(requests) == 1 && requests[0].State == GossipingRequestStatePending
		}, eventualTimeout, eventualTick)
		assert.Nil(t, alice2.TryDecryptEvent(beforeEvent, ""))

		require.NoError(t, alice.SetDeviceVerification(true, alice2.MyUserId(), alice2.MyDeviceId()))
		require.NoError(t, alice2.SetDeviceVerification(true, alice.MyUserId(), alice.MyDeviceId()))

		var result *DecryptionResult
		require.Eventually(t, func() bool {
			result = alice2.TryDecryptEvent(beforeEvent, "")
			return result != nil
		}, eventualTimeout, eventualTick)
		assert.Equal(t, uint32(0), result.MessageIndex)
		assert.Equal(t, []string{alice.GetCurrentAccountInfo().IdentityKey}, result.ForwardingCurve25519KeyChain)

		// the answered request is closed on the requesting side
		require.Eventually(t, func() bool {
			for _, request := range alice2.GetOutgoingGossipingRequests() {
				if request.RequestBody != nil && request.State.isOutstanding() {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
	})
}

func Test_SecretGossiping(t *testing.T) {
	t.Parallel()
	homeserverUrl := test_utils.StartHomeserver(t)

	t.Run("secrets are never sent to an unverified device", func(t *testing.T) {
		t.Parallel()
		first := createTestSession(t, homeserverUrl, "secrets_unverified_first")
		bootstrapSecrets(t, first)
		second := loginTestSession(t, homeserverUrl, first, "secrets_unverified_second")
		startSync(t, first, second)

		second.requestSecrets()
		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(first, second.MyUserId(), second.MyDeviceId())
			if len(requests) != len(GossipedSecretNames) {
				return false
			}
			for _, request := range requests {
				if request.State != GossipingRequestStatePending {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
		time.Sleep(300 * time.Millisecond)
		assert.False(t, second.CanCrossSign())
		assert.Nil(t, second.GetKeyBackupRecoveryKeyInfo())
		assert.Nil(t, second.storage.crossSigning.get().Master)

		// verifying the device releases the pending requests
		require.NoError(t, first.SetDeviceVerification(true, second.MyUserId(), second.MyDeviceId()))
		require.Eventually(t, func() bool {
			for _, request := range incomingRequestsFor(first, second.MyUserId(), second.MyDeviceId()) {
				if request.State != GossipingRequestStateAccepted {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
		// second does not trust first, so it ignores what it sent
		time.Sleep(300 * time.Millisecond)
		assert.Nil(t, second.GetKeyBackupRecoveryKeyInfo())
		assert.False(t, second.CanCrossSign())
	})

	t.Run("secret request from another user is rejected", func(t *testing.T) {
		t.Parallel()
		alice := createTestSession(t, homeserverUrl, "secrets_other_alice")
		bootstrapSecrets(t, alice)
		mallory := createTestSession(t, homeserverUrl, "secrets_other_mallory")
		startSync(t, alice)

		err := mallory.sendToDevice(common_models.EventTypeSecretRequest, map[string]map[string]any{
			alice.MyUserId(): {alice.MyDeviceId(): &common_models.SecretRequestContent{
				Action:             common_models.GossipActionRequest,
				Name:               common_models.SecretNameSelfSigningKey,
				RequestId:          "mallory-request",
				RequestingDeviceId: mallory.MyDeviceId(),
			}},
		})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			requests := incomingRequestsFor(alice, mallory.MyUserId(), mallory.MyDeviceId())
			return len(requests) == 1 && requests[0].State == GossipingRequestStateRejected
		}, eventualTimeout, eventualTick)
	})

	t.Run("cancelled request is not answered", func(t *testing.T) {
		t.Parallel()
		first := createTestSession(t, homeserverUrl, "secrets_cancel_first")
		bootstrapSecrets(t, first)
		second := loginTestSession(t, homeserverUrl, first, "secrets_cancel_second")
		startSync(t, first, second)

		second.requestSecrets()
		require.Eventually(t, func() bool {
			return len(incomingRequestsFor(first, second.MyUserId(), second.MyDeviceId())) == len(GossipedSecretNames)
		}, eventualTimeout, eventualTick)
		for _, request := range second.GetOutgoingGossipingRequests() {
			require.NoError(t, second.sendCancellation(request.RequestId, false))
		}
		require.Eventually(t, func() bool {
			for _, request := range incomingRequestsFor(first, second.MyUserId(), second.MyDeviceId()) {
				if request.State != GossipingRequestStateCancelledByRequester {
					return false
				}
			}
			return true
		}, eventualTimeout, eventualTick)
		for _, request := range second.GetOutgoingGossipingRequests() {
			assert.Equal(t, OutgoingGossipingRequestStateCancelled, request.State)
		}

		require.NoError(t, first.SetDeviceVerification(true, second.MyUserId(), second.MyDeviceId()))
		for _, request := range incomingRequestsFor(first, second.MyUserId(), second.MyDeviceId()) {
			assert.Equal(t, GossipingRequestStateCancelledByRequester, request.State)
		}
	})
}

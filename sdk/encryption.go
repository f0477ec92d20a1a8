package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/config"
	"github.com/tchap/go-tchap-sdk/keyexport"
	"github.com/tchap/go-tchap-sdk/megolm"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"time"
)

var (
	// ErrorUnknownInboundSessionId is returned when decrypting with a Megolm session we do not have
	ErrorUnknownInboundSessionId = utils.NewTchapError("UNKNOWN_INBOUND_SESSION_ID", "unknown inbound session id")
	// ErrorUnknownMessageIndex is returned when the message was encrypted before the first index we know of the session
	ErrorUnknownMessageIndex = utils.NewTchapError("UNKNOWN_MESSAGE_INDEX", "unknown message index")
	// ErrorDuplicatedMessageIndex is returned when two events of one timeline use the same message index
	ErrorDuplicatedMessageIndex = utils.NewTchapError("DUPLICATED_MESSAGE_INDEX", "duplicated message index, possible replay attack")
	// ErrorRoomIdMismatch is returned when the decrypted payload belongs to another room
	ErrorRoomIdMismatch = utils.NewTchapError("ROOM_ID_MISMATCH", "decrypted payload is for another room")
	// ErrorUnableToDecrypt is returned when an event is not a Megolm encrypted room event
	ErrorUnableToDecrypt = utils.NewTchapError("UNABLE_TO_DECRYPT", "unable to decrypt event")
)

const (
	defaultRotationPeriodMs   = int64(7 * 24 * time.Hour / time.Millisecond)
	defaultRotationPeriodMsgs = 100
)

// outboundGroupSession is the Megolm session we currently encrypt a room with.
type outboundGroupSession struct {
	Session   *megolm.OutboundGroupSession `json:"session"`
	CreatedAt time.Time                    `json:"createdAt"`
}

func (s *outboundGroupSession) needsRotation(room *Room) bool {
	periodMs := utils.Ternary(room.RotationPeriodMs > 0, room.RotationPeriodMs, defaultRotationPeriodMs)
	periodMsgs := utils.Ternary(room.RotationPeriodMsgs > 0, room.RotationPeriodMsgs, defaultRotationPeriodMsgs)
	return time.Since(s.CreatedAt).Milliseconds() >= periodMs || int(s.Session.MessageIndex()) >= periodMsgs
}

// inboundGroupSession is a Megolm session we can decrypt with, and where it comes from.
type inboundGroupSession struct {
	Session *megolm.InboundGroupSession `json:"session"`
	RoomId  string                      `json:"roomId"`
	// SenderKey is the curve25519 key of the device that created the session.
	SenderKey               string `json:"senderKey"`
	SenderClaimedEd25519Key string `json:"senderClaimedEd25519Key"`
	// ForwardingCurve25519KeyChain lists the devices the key went through, when it was forwarded.
	ForwardingCurve25519KeyChain []string `json:"forwardingCurve25519KeyChain"`
}

func (s *inboundGroupSession) key() string {
	return inboundSessionKey(s.RoomId, s.SenderKey, s.Session.SessionId())
}

// isBetterThan tells if s should replace other: it can decrypt more, or came through fewer devices.
func (s *inboundGroupSession) isBetterThan(other *inboundGroupSession) bool {
	if other == nil {
		return true
	}
	if s.Session.FirstKnownIndex() != other.Session.FirstKnownIndex() {
		return s.Session.FirstKnownIndex() < other.Session.FirstKnownIndex()
	}
	return len(s.ForwardingCurve25519KeyChain) < len(other.ForwardingCurve25519KeyChain)
}

func (s *inboundGroupSession) exported() *keyexport.ExportedSession {
	return &keyexport.ExportedSession{
		Algorithm:                    common_models.AlgorithmMegolm,
		RoomId:                       s.RoomId,
		SenderKey:                    s.SenderKey,
		SessionId:                    s.Session.SessionId(),
		SessionKey:                   s.Session.ExportAtFirstKnownIndex(),
		SenderClaimedKeys:            map[string]string{"ed25519": s.SenderClaimedEd25519Key},
		ForwardingCurve25519KeyChain: s.ForwardingCurve25519KeyChain,
	}
}

// DecryptionResult is a decrypted room event.
type DecryptionResult struct {
	// ClearEvent is the event as it was before encryption, with the ids of the encrypted event.
	ClearEvent                   common_models.Event
	SenderCurve25519Key          string
	ClaimedEd25519Key            string
	ForwardingCurve25519KeyChain []string
	MessageIndex                 uint32
}

// storeInboundSession keeps session unless we already hold a better copy. It reports whether it was stored.
func (session *Session) storeInboundSession(inbound *inboundGroupSession) bool {
	s := &session.storage.groupSessions
	s.lock.Lock()
	defer s.lock.Unlock()
	key := inbound.key()
	if !inbound.isBetterThan(s.Inbound[key]) {
		return false
	}
	s.Inbound[key] = inbound
	return true
}

func (session *Session) getInboundSession(roomId string, senderKey string, sessionId string) *inboundGroupSession {
	s := &session.storage.groupSessions
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.Inbound[inboundSessionKey(roomId, senderKey, sessionId)]
}

// ensureOutboundSession returns the outbound session of the room, creating a new one when
// there is none or the current one must rotate. Must be called with the room lock held.
func (session *Session) ensureOutboundSession(room *Room) (*outboundGroupSession, error) {
	s := &session.storage.groupSessions
	s.lock.RLock()
	current := s.Outbound[room.RoomId]
	s.lock.RUnlock()
	if current != nil && !current.needsRotation(room) {
		return current, nil
	}

	megolmSession, err := megolm.NewOutboundGroupSession()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	outbound := &outboundGroupSession{Session: megolmSession, CreatedAt: time.Now()}
	// keep our own inbound copy, to read our messages and answer key requests
	inboundSession, err := megolm.NewInboundGroupSession(megolmSession.SessionKey())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	me := session.storage.currentDevice.get()
	session.storeInboundSession(&inboundGroupSession{
		Session:                 inboundSession,
		RoomId:                  room.RoomId,
		SenderKey:               me.IdentityKey.Public().ToB64(),
		SenderClaimedEd25519Key: me.SigningKey.Public().ToB64(),
	})
	s.lock.Lock()
	s.Outbound[room.RoomId] = outbound
	s.lock.Unlock()
	if err = session.saveGroupSessions(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.logger.Debug().Str("room_id", room.RoomId).Str("session_id", megolmSession.SessionId()).Msg("New outbound session")
	return outbound, nil
}

// shareOutboundSession sends the session key to every device of the room members that does
// not have it yet, and records the index each device received it at. Must be called with
// the room lock held.
func (session *Session) shareOutboundSession(room *Room, outbound *outboundGroupSession) error {
	memberIds := room.MemberIds(common_models.MembershipJoin, common_models.MembershipInvite)
	devices, err := session.DownloadKeys(memberIds, false)
	if err != nil {
		return tracerr.Wrap(err)
	}
	myDeviceId := session.MyDeviceId()
	myUserId := session.MyUserId()
	sessionId := outbound.Session.SessionId()
	verifiedOnly := session.options.Config.EncryptToVerifiedDevicesOnly

	var targets []*CryptoDeviceInfo
	for _, userId := range devices.UserIds() {
		for _, deviceId := range utils.SortedKeys(devices[userId]) {
			device := devices[userId][deviceId]
			if userId == myUserId && deviceId == myDeviceId {
				continue
			}
			if verifiedOnly && !device.IsVerified() {
				continue
			}
			if _, shared := session.storage.groupSessions.sharedIndex(sessionId, userId, deviceId); shared {
				continue
			}
			targets = append(targets, device)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	index := outbound.Session.MessageIndex()
	content := &common_models.RoomKeyContent{
		Algorithm:  common_models.AlgorithmMegolm,
		RoomId:     room.RoomId,
		SessionId:  sessionId,
		SessionKey: outbound.Session.SessionKey(),
	}
	sent, shareErr := session.sendEncryptedToDevices(targets, common_models.EventTypeRoomKey, content)
	if shareErr != nil {
		// the devices that could not be reached will not be able to decrypt
		session.logger.Warn().Err(shareErr).Str("room_id", room.RoomId).Msg("Room key not shared with every device")
	}

	s := &session.storage.groupSessions
	s.lock.Lock()
	if s.SharedWith[sessionId] == nil {
		s.SharedWith[sessionId] = make(map[string]map[string]uint32)
	}
	for _, device := range sent {
		if s.SharedWith[sessionId][device.UserId] == nil {
			s.SharedWith[sessionId][device.UserId] = make(map[string]uint32)
		}
		s.SharedWith[sessionId][device.UserId][device.DeviceId] = index
	}
	s.lock.Unlock()
	session.logger.Debug().Str("room_id", room.RoomId).Int("devices", len(sent)).Uint32("index", index).Msg("Room key shared")
	return tracerr.Wrap(session.saveGroupSessions())
}

// prepareRoomEncryption makes sure the room has an outbound session shared with all current members.
func (session *Session) prepareRoomEncryption(roomId string) (*outboundGroupSession, error) {
	if err := session.refreshMembers(roomId); err != nil {
		return nil, tracerr.Wrap(err)
	}
	room := session.storage.rooms.get(roomId)
	if room == nil || !room.IsEncrypted() {
		return nil, tracerr.Wrap(ErrorUnknownRoom.AddDetails(roomId))
	}
	outbound, err := session.ensureOutboundSession(room)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = session.shareOutboundSession(room, outbound); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return outbound, nil
}

// encryptRoomEvent encrypts a room event with the outbound session of the room.
func (session *Session) encryptRoomEvent(room *Room, eventType string, content json.RawMessage) (*common_models.EncryptedEventContent, error) {
	session.locks.roomsLockGroup.Lock(room.RoomId)
	defer session.locks.roomsLockGroup.Unlock(room.RoomId)

	outbound, err := session.prepareRoomEncryption(room.RoomId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	plaintext, err := json.Marshal(&common_models.MegolmPayload{Type: eventType, Content: content, RoomId: room.RoomId})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.storage.groupSessions.lock.Lock()
	ciphertext, err := outbound.Session.Encrypt(plaintext)
	session.storage.groupSessions.lock.Unlock()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = session.saveGroupSessions(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	me := session.storage.currentDevice.get()
	return &common_models.EncryptedEventContent{
		Algorithm:  common_models.AlgorithmMegolm,
		Ciphertext: common_models.NewContent(ciphertext),
		SenderKey:  me.IdentityKey.Public().ToB64(),
		SessionId:  outbound.Session.SessionId(),
		DeviceId:   me.DeviceId,
	}, nil
}

// DiscardOutboundSession forgets the outbound session of the room: the next message starts a
// new one. The record of who received the old session is kept.
func (session *Session) DiscardOutboundSession(roomId string) error {
	session.locks.roomsLockGroup.Lock(roomId)
	defer session.locks.roomsLockGroup.Unlock(roomId)
	return session.discardOutbound(roomId)
}

// discardOutbound is DiscardOutboundSession for callers already holding the room lock.
func (session *Session) discardOutbound(roomId string) error {
	s := &session.storage.groupSessions
	s.lock.Lock()
	_, existed := s.Outbound[roomId]
	delete(s.Outbound, roomId)
	s.lock.Unlock()
	if !existed {
		return nil
	}
	session.logger.Debug().Str("room_id", roomId).Msg("Outbound session discarded")
	return tracerr.Wrap(session.saveGroupSessions())
}

// NotifyRoomEntered pre-shares the room key when the key sharing strategy is WhenEnteringRoom.
func (session *Session) NotifyRoomEntered(roomId string) error {
	return session.preShareRoomKey(roomId, config.WhenEnteringRoom)
}

// NotifyTyping pre-shares the room key when the key sharing strategy is WhenTyping.
func (session *Session) NotifyTyping(roomId string) error {
	return session.preShareRoomKey(roomId, config.WhenTyping)
}

func (session *Session) preShareRoomKey(roomId string, trigger config.KeySharingStrategy) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	if session.options.Config.KeySharingStrategy != trigger {
		return nil
	}
	room := session.storage.rooms.get(roomId)
	if room == nil || !room.IsEncrypted() || room.Membership != common_models.MembershipJoin {
		return nil
	}
	session.locks.roomsLockGroup.Lock(roomId)
	defer session.locks.roomsLockGroup.Unlock(roomId)
	_, err := session.prepareRoomEncryption(roomId)
	return tracerr.Wrap(err)
}

// DecryptEvent decrypts a Megolm encrypted room event. timeline identifies the timeline the event
// is shown in: within one timeline, two events using the same message index are rejected.
// An empty timeline disables that check.
func (session *Session) DecryptEvent(event *common_models.Event, timeline string) (*DecryptionResult, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if event.Type != common_models.EventTypeRoomEncrypted {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails("not an encrypted event"))
	}
	var content common_models.EncryptedEventContent
	if err := event.ParseContent(&content); err != nil {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails(err.Error()))
	}
	if content.Algorithm != common_models.AlgorithmMegolm {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails("unsupported algorithm " + content.Algorithm))
	}
	ciphertext, err := content.MegolmCiphertext()
	if err != nil {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails(err.Error()))
	}

	cacheKey := ""
	if event.EventId != "" {
		cacheKey = timeline + "|" + event.EventId
		if cached, ok := session.decryptionCache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	s := &session.storage.groupSessions
	s.lock.Lock()
	inbound := s.Inbound[inboundSessionKey(event.RoomId, content.SenderKey, content.SessionId)]
	if inbound == nil {
		s.lock.Unlock()
		return nil, tracerr.Wrap(ErrorUnknownInboundSessionId.AddDetails(content.SessionId))
	}
	plaintext, index, err := inbound.Session.Decrypt(ciphertext)
	s.lock.Unlock()
	if err != nil {
		if errors.Is(err, megolm.ErrorUnknownMessageIndex) {
			return nil, tracerr.Wrap(ErrorUnknownMessageIndex.AddDetails(err.Error()))
		}
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails(err.Error()))
	}

	if timeline != "" && event.EventId != "" {
		if err = session.checkReplay(timeline, inbound.key(), index, event.EventId); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}

	var payload common_models.MegolmPayload
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails(err.Error()))
	}
	if payload.RoomId != event.RoomId {
		return nil, tracerr.Wrap(ErrorRoomIdMismatch.AddDetails(payload.RoomId))
	}
	result := &DecryptionResult{
		ClearEvent: common_models.Event{
			Type:           payload.Type,
			EventId:        event.EventId,
			Sender:         event.Sender,
			RoomId:         event.RoomId,
			OriginServerTs: event.OriginServerTs,
			Content:        payload.Content,
		},
		SenderCurve25519Key:          inbound.SenderKey,
		ClaimedEd25519Key:            inbound.SenderClaimedEd25519Key,
		ForwardingCurve25519KeyChain: inbound.ForwardingCurve25519KeyChain,
		MessageIndex:                 index,
	}
	if cacheKey != "" {
		session.decryptionCache.Add(cacheKey, result)
	}
	return result, nil
}

// TryDecryptEvent is DecryptEvent returning nil instead of an error.
func (session *Session) TryDecryptEvent(event *common_models.Event, timeline string) *DecryptionResult {
	result, err := session.DecryptEvent(event, timeline)
	if err != nil {
		session.logger.Debug().Err(err).Str("event_id", event.EventId).Msg("Could not decrypt event")
		return nil
	}
	return result
}

// checkReplay records which event used each message index in a timeline.
func (session *Session) checkReplay(timeline string, sessionKey string, index uint32, eventId string) error {
	session.replayLock.Lock()
	defer session.replayLock.Unlock()
	key := fmt.Sprintf("%s|%s|%d", timeline, sessionKey, index)
	if previous, ok := session.replayIndex[key]; ok && previous != eventId {
		return tracerr.Wrap(ErrorDuplicatedMessageIndex.AddDetails(fmt.Sprintf("index %d already used by %s", index, previous)))
	}
	session.replayIndex[key] = eventId
	return nil
}

// onRoomKey stores a room key received from the device that created the session.
func (session *Session) onRoomKey(decrypted *decryptedToDevice) {
	var content common_models.RoomKeyContent
	if err := json.Unmarshal(decrypted.Payload.Content, &content); err != nil || content.Algorithm != common_models.AlgorithmMegolm {
		session.logger.Warn().Str("sender", decrypted.Payload.Sender).Msg("Ignoring invalid room key")
		return
	}
	inboundSession, err := megolm.NewInboundGroupSession(content.SessionKey)
	if err != nil || inboundSession.SessionId() != content.SessionId {
		session.logger.Warn().Err(err).Str("sender", decrypted.Payload.Sender).Msg("Ignoring invalid room key")
		return
	}
	inbound := &inboundGroupSession{
		Session:                 inboundSession,
		RoomId:                  content.RoomId,
		SenderKey:               decrypted.SenderKey,
		SenderClaimedEd25519Key: decrypted.Device.FingerprintKey(),
	}
	if !session.storeInboundSession(inbound) {
		return
	}
	session.logger.Debug().Str("room_id", content.RoomId).Str("session_id", content.SessionId).
		Uint32("first_index", inboundSession.FirstKnownIndex()).Msg("Room key received")
	if err = session.saveGroupSessions(); err != nil {
		session.logger.Error().Err(err).Msg("Could not save group sessions")
	}
	session.onInboundSessionReceived(inbound)
}

// onInboundSessionReceived closes the key requests the session answers and backs it up.
func (session *Session) onInboundSessionReceived(inbound *inboundGroupSession) {
	session.cancelRoomKeyRequest(&common_models.RoomKeyRequestBody{
		Algorithm: common_models.AlgorithmMegolm,
		RoomId:    inbound.RoomId,
		SenderKey: inbound.SenderKey,
		SessionId: inbound.Session.SessionId(),
	}, false)
	session.backupKeysIfEnabled()
}

// ExportRoomKeys returns every inbound session, encrypted with passphrase in the key export format.
func (session *Session) ExportRoomKeys(passphrase string) ([]byte, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	s := &session.storage.groupSessions
	s.lock.RLock()
	sessions := make([]*keyexport.ExportedSession, 0, len(s.Inbound))
	for _, key := range utils.SortedKeys(s.Inbound) {
		sessions = append(sessions, s.Inbound[key].exported())
	}
	s.lock.RUnlock()
	me := session.storage.currentDevice.get()
	data, err := keyexport.EncryptKeys(sessions, passphrase, me.IdentityKey.Public())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.logger.Info().Int("sessions", len(sessions)).Msg("Room keys exported")
	return data, nil
}

// ImportRoomKeys imports a key export file. It returns the number of sessions imported and the total in the file.
func (session *Session) ImportRoomKeys(data []byte, passphrase string) (int, int, error) {
	if err := session.checkSessionState(true); err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	sessions, err := keyexport.DecryptKeys(data, passphrase)
	if err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	imported := 0
	for _, exported := range sessions {
		inbound, err := inboundFromExport(exported)
		if err != nil {
			session.logger.Warn().Err(err).Str("session_id", exported.SessionId).Msg("Skipping invalid exported session")
			continue
		}
		if session.storeInboundSession(inbound) {
			imported++
		}
	}
	if err = session.saveGroupSessions(); err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	session.logger.Info().Int("imported", imported).Int("total", len(sessions)).Msg("Room keys imported")
	return imported, len(sessions), nil
}

func inboundFromExport(exported *keyexport.ExportedSession) (*inboundGroupSession, error) {
	if exported.Algorithm != common_models.AlgorithmMegolm {
		return nil, tracerr.Wrap(ErrorUnableToDecrypt.AddDetails("unsupported algorithm " + exported.Algorithm))
	}
	megolmSession, err := megolm.ImportInboundGroupSession(exported.SessionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if megolmSession.SessionId() != exported.SessionId {
		return nil, tracerr.Wrap(megolm.ErrorBadSessionKey.AddDetails("session id mismatch"))
	}
	return &inboundGroupSession{
		Session:                      megolmSession,
		RoomId:                       exported.RoomId,
		SenderKey:                    exported.SenderKey,
		SenderClaimedEd25519Key:      exported.SenderClaimedKeys["ed25519"],
		ForwardingCurve25519KeyChain: exported.ForwardingCurve25519KeyChain,
	}, nil
}

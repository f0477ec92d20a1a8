package sdk

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/megolm"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"time"
)

var (
	// ErrorUnknownSecretName is returned when requesting a secret that cannot be gossiped
	ErrorUnknownSecretName = utils.NewTchapError("UNKNOWN_SECRET_NAME", "unknown secret name")
	// ErrorInvalidSecret is returned when a received secret does not match the published keys
	ErrorInvalidSecret = utils.NewTchapError("INVALID_SECRET", "received secret is invalid")
	// ErrorNotEncryptedEvent is returned when re-requesting the key of an event that is not Megolm encrypted
	ErrorNotEncryptedEvent = utils.NewTchapError("NOT_ENCRYPTED_EVENT", "event is not a Megolm encrypted event")
)

// GossipedSecretNames are the secrets a device requests from its own verified devices.
var GossipedSecretNames = []string{
	common_models.SecretNameMasterKey,
	common_models.SecretNameSelfSigningKey,
	common_models.SecretNameUserSigningKey,
	common_models.SecretNameKeyBackup,
}

type OutgoingGossipingRequestState int

const (
	OutgoingGossipingRequestStateUnsent OutgoingGossipingRequestState = iota
	OutgoingGossipingRequestStateSending
	OutgoingGossipingRequestStateSent
	OutgoingGossipingRequestStateCancellationPending
	OutgoingGossipingRequestStateCancellationPendingAndWillResend
	OutgoingGossipingRequestStateCancelling
	OutgoingGossipingRequestStateCancelled
	OutgoingGossipingRequestStateFailedToSend
	OutgoingGossipingRequestStateFailedToCancel
)

func (s OutgoingGossipingRequestState) String() string {
	switch s {
	case OutgoingGossipingRequestStateUnsent:
		return "Unsent"
	case OutgoingGossipingRequestStateSending:
		return "Sending"
	case OutgoingGossipingRequestStateSent:
		return "Sent"
	case OutgoingGossipingRequestStateCancellationPending:
		return "CancellationPending"
	case OutgoingGossipingRequestStateCancellationPendingAndWillResend:
		return "CancellationPendingAndWillResend"
	case OutgoingGossipingRequestStateCancelling:
		return "Cancelling"
	case OutgoingGossipingRequestStateCancelled:
		return "Cancelled"
	case OutgoingGossipingRequestStateFailedToSend:
		return "FailedToSend"
	case OutgoingGossipingRequestStateFailedToCancel:
		return "FailedToCancel"
	}
	return "Unknown"
}

func (s OutgoingGossipingRequestState) isOutstanding() bool {
	return s == OutgoingGossipingRequestStateUnsent || s == OutgoingGossipingRequestStateSending || s == OutgoingGossipingRequestStateSent
}

// OutgoingGossipingRequest is a secret or room key request sent by this device.
// Exactly one of SecretName and RequestBody is set.
type OutgoingGossipingRequest struct {
	RequestId string `json:"requestId"`
	// Recipients maps user id -> device ids ("*" for every device of the user).
	Recipients  map[string][]string                `json:"recipients"`
	SecretName  string                             `json:"secretName,omitempty"`
	RequestBody *common_models.RoomKeyRequestBody `json:"requestBody,omitempty"`
	State       OutgoingGossipingRequestState      `json:"state"`
}

type GossipingRequestState int

const (
	GossipingRequestStateNone GossipingRequestState = iota
	GossipingRequestStatePending
	GossipingRequestStateRejected
	GossipingRequestStateAccepting
	GossipingRequestStateAccepted
	GossipingRequestStateFailedToAccept
	GossipingRequestStateCancelledByRequester
	GossipingRequestStateReRequested
)

func (s GossipingRequestState) String() string {
	switch s {
	case GossipingRequestStateNone:
		return "None"
	case GossipingRequestStatePending:
		return "Pending"
	case GossipingRequestStateRejected:
		return "Rejected"
	case GossipingRequestStateAccepting:
		return "Accepting"
	case GossipingRequestStateAccepted:
		return "Accepted"
	case GossipingRequestStateFailedToAccept:
		return "FailedToAccept"
	case GossipingRequestStateCancelledByRequester:
		return "CancelledByRequester"
	case GossipingRequestStateReRequested:
		return "ReRequested"
	}
	return "Unknown"
}

// IncomingGossipingRequest is a secret or room key request received from another device.
type IncomingGossipingRequest struct {
	RequestId   string                             `json:"requestId"`
	UserId      string                             `json:"userId"`
	DeviceId    string                             `json:"deviceId"`
	SecretName  string                             `json:"secretName,omitempty"`
	RequestBody *common_models.RoomKeyRequestBody `json:"requestBody,omitempty"`
	State       GossipingRequestState              `json:"state"`
	ReceivedAt  time.Time                          `json:"receivedAt"`
}

func (r *IncomingGossipingRequest) key() string {
	return incomingRequestKey(r.UserId, r.DeviceId, r.RequestId)
}

func sameRequestBody(a *common_models.RoomKeyRequestBody, b *common_models.RoomKeyRequestBody) bool {
	return a != nil && b != nil && a.RoomId == b.RoomId && a.SenderKey == b.SenderKey && a.SessionId == b.SessionId && a.Algorithm == b.Algorithm
}

// GetOutgoingGossipingRequests returns the requests sent by this device.
func (session *Session) GetOutgoingGossipingRequests() []OutgoingGossipingRequest {
	return session.storage.gossiping.allOutgoing()
}

// GetIncomingGossipingRequests returns the requests received by this device, oldest first.
func (session *Session) GetIncomingGossipingRequests() []IncomingGossipingRequest {
	return session.storage.gossiping.allIncoming()
}

func (session *Session) saveGossipingOrLog() {
	if err := session.saveGossiping(); err != nil {
		session.gossipLogger.Error().Err(err).Msg("Could not save gossiping requests")
	}
}

// claimIncoming moves a request from Pending to Accepting, and reports whether it did.
func (session *Session) claimIncoming(key string) bool {
	s := &session.storage.gossiping
	s.lock.Lock()
	defer s.lock.Unlock()
	request := s.Incoming[key]
	if request == nil || request.State != GossipingRequestStatePending {
		return false
	}
	request.State = GossipingRequestStateAccepting
	return true
}

/*
 * Outgoing requests
 */

// sendOutgoingRequest sends a stored request that is Unsent, as a cleartext to-device message.
func (session *Session) sendOutgoingRequest(requestId string) error {
	request := session.storage.gossiping.getOutgoing(requestId)
	if request == nil || request.State != OutgoingGossipingRequestStateUnsent {
		return nil
	}
	session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateSending)
	session.gossipLimiter.Take()

	eventType, content := session.requestMessage(request, common_models.GossipActionRequest)
	err := session.sendToDevice(eventType, recipientsMessages(request.Recipients, content))
	if err != nil {
		session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateFailedToSend)
		session.saveGossipingOrLog()
		return tracerr.Wrap(err)
	}
	session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateSent)
	session.saveGossipingOrLog()
	session.gossipLogger.Debug().Str("request_id", requestId).Str("type", eventType).Msg("Gossiping request sent")
	return nil
}

// sendCancellation cancels a request on every recipient. When resend is set, the same request is
// then sent again under a new request id.
func (session *Session) sendCancellation(requestId string, resend bool) error {
	request := session.storage.gossiping.getOutgoing(requestId)
	if request == nil {
		return nil
	}
	session.storage.gossiping.setOutgoingState(requestId, utils.Ternary(resend,
		OutgoingGossipingRequestStateCancellationPendingAndWillResend, OutgoingGossipingRequestStateCancellationPending))
	// an Unsent or failed request never reached anyone
	if request.State == OutgoingGossipingRequestStateSending || request.State == OutgoingGossipingRequestStateSent {
		session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateCancelling)
		session.gossipLimiter.Take()
		eventType, content := session.requestMessage(request, common_models.GossipActionRequestCancellation)
		if err := session.sendToDevice(eventType, recipientsMessages(request.Recipients, content)); err != nil {
			session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateFailedToCancel)
			session.saveGossipingOrLog()
			return tracerr.Wrap(err)
		}
	}
	session.storage.gossiping.setOutgoingState(requestId, OutgoingGossipingRequestStateCancelled)
	session.gossipLogger.Debug().Str("request_id", requestId).Bool("resend", resend).Msg("Gossiping request cancelled")
	if !resend {
		session.saveGossipingOrLog()
		return nil
	}
	newRequest := &OutgoingGossipingRequest{
		RequestId:   uuid.NewString(),
		Recipients:  request.Recipients,
		SecretName:  request.SecretName,
		RequestBody: request.RequestBody,
		State:       OutgoingGossipingRequestStateUnsent,
	}
	session.addOutgoing(newRequest)
	return tracerr.Wrap(session.sendOutgoingRequest(newRequest.RequestId))
}

func (session *Session) addOutgoing(request *OutgoingGossipingRequest) {
	s := &session.storage.gossiping
	s.lock.Lock()
	s.Outgoing[request.RequestId] = request
	s.lock.Unlock()
}

func (session *Session) requestMessage(request *OutgoingGossipingRequest, action string) (string, any) {
	if request.SecretName != "" {
		return common_models.EventTypeSecretRequest, &common_models.SecretRequestContent{
			Action:             action,
			Name:               utils.Ternary(action == common_models.GossipActionRequest, request.SecretName, ""),
			RequestId:          request.RequestId,
			RequestingDeviceId: session.MyDeviceId(),
		}
	}
	content := &common_models.RoomKeyRequestContent{
		Action:             action,
		RequestId:          request.RequestId,
		RequestingDeviceId: session.MyDeviceId(),
	}
	if action == common_models.GossipActionRequest {
		content.Body = request.RequestBody
	}
	return common_models.EventTypeRoomKeyRequest, content
}

func recipientsMessages(recipients map[string][]string, content any) map[string]map[string]any {
	messages := make(map[string]map[string]any)
	for userId, deviceIds := range recipients {
		messages[userId] = make(map[string]any)
		for _, deviceId := range deviceIds {
			messages[userId][deviceId] = content
		}
	}
	return messages
}

// requestSecrets asks our other devices for the secrets we do not hold yet.
func (session *Session) requestSecrets() {
	held := session.heldSecretNames()
	outstanding := utils.Set[string]{}
	for _, request := range session.storage.gossiping.allOutgoing() {
		if request.SecretName != "" && request.State.isOutstanding() {
			outstanding.Add(request.SecretName)
		}
	}
	for _, name := range GossipedSecretNames {
		if held.Has(name) || outstanding.Has(name) {
			continue
		}
		request := &OutgoingGossipingRequest{
			RequestId:  uuid.NewString(),
			Recipients: map[string][]string{session.MyUserId(): {"*"}},
			SecretName: name,
			State:      OutgoingGossipingRequestStateUnsent,
		}
		session.addOutgoing(request)
		if err := session.sendOutgoingRequest(request.RequestId); err != nil {
			session.gossipLogger.Warn().Err(err).Str("secret", name).Msg("Could not request secret")
		}
	}
}

func (session *Session) heldSecretNames() utils.Set[string] {
	held := utils.Set[string]{}
	for _, name := range GossipedSecretNames {
		if _, ok := session.secretValue(name); ok {
			held.Add(name)
		}
	}
	return held
}

// secretValue returns the unpadded base64 value of a secret this device holds.
func (session *Session) secretValue(name string) (string, bool) {
	keys := session.storage.crossSigning.get()
	var key *asymkey.SigningPrivateKey
	switch name {
	case common_models.SecretNameMasterKey:
		key = keys.Master
	case common_models.SecretNameSelfSigningKey:
		key = keys.SelfSigning
	case common_models.SecretNameUserSigningKey:
		key = keys.UserSigning
	case common_models.SecretNameKeyBackup:
		info := session.GetKeyBackupRecoveryKeyInfo()
		if info == nil {
			return "", false
		}
		raw, err := DecodeRecoveryKey(info.RecoveryKey)
		if err != nil {
			return "", false
		}
		return utils.EncodeBase64(raw), true
	default:
		return "", false
	}
	if key == nil {
		return "", false
	}
	return key.ToB64(), true
}

// RequestRoomKey asks our own devices and the device that created the session for a room key.
func (session *Session) RequestRoomKey(body *common_models.RoomKeyRequestBody, senderUserId string, senderDeviceId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	for _, request := range session.storage.gossiping.allOutgoing() {
		if sameRequestBody(request.RequestBody, body) && request.State.isOutstanding() {
			return nil
		}
	}
	recipients := map[string][]string{session.MyUserId(): {"*"}}
	if senderUserId != session.MyUserId() && senderDeviceId != "" {
		recipients[senderUserId] = []string{senderDeviceId}
	}
	request := &OutgoingGossipingRequest{
		RequestId:   uuid.NewString(),
		Recipients:  recipients,
		RequestBody: body,
		State:       OutgoingGossipingRequestStateUnsent,
	}
	session.addOutgoing(request)
	return tracerr.Wrap(session.sendOutgoingRequest(request.RequestId))
}

// ReRequestRoomKeyForEvent cancels any outstanding request for the session of an encrypted event,
// and sends it again.
func (session *Session) ReRequestRoomKeyForEvent(event *common_models.Event) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	var content common_models.EncryptedEventContent
	if err := event.ParseContent(&content); err != nil || event.Type != common_models.EventTypeRoomEncrypted || content.Algorithm != common_models.AlgorithmMegolm {
		return tracerr.Wrap(ErrorNotEncryptedEvent.AddDetails(event.EventId))
	}
	body := &common_models.RoomKeyRequestBody{
		Algorithm: common_models.AlgorithmMegolm,
		RoomId:    event.RoomId,
		SenderKey: content.SenderKey,
		SessionId: content.SessionId,
	}
	session.gossipLogger.Info().Str("event_id", event.EventId).Str("session_id", content.SessionId).Msg("Re-requesting room key")
	found := false
	for _, request := range session.storage.gossiping.allOutgoing() {
		if sameRequestBody(request.RequestBody, body) && request.State.isOutstanding() {
			found = true
			if err := session.sendCancellation(request.RequestId, true); err != nil {
				return tracerr.Wrap(err)
			}
		}
	}
	if !found {
		return tracerr.Wrap(session.RequestRoomKey(body, event.Sender, content.DeviceId))
	}
	return nil
}

// cancelRoomKeyRequest cancels the outstanding requests for body. With resend, they are sent again.
func (session *Session) cancelRoomKeyRequest(body *common_models.RoomKeyRequestBody, resend bool) {
	for _, request := range session.storage.gossiping.allOutgoing() {
		if !sameRequestBody(request.RequestBody, body) || !request.State.isOutstanding() {
			continue
		}
		if err := session.sendCancellation(request.RequestId, resend); err != nil {
			session.gossipLogger.Warn().Err(err).Str("request_id", request.RequestId).Msg("Could not cancel room key request")
		}
	}
}

/*
 * Incoming requests
 */

// onSecretRequest records an m.secret.request from another device and answers it if allowed.
func (session *Session) onSecretRequest(event *common_models.Event) {
	var content common_models.SecretRequestContent
	if err := event.ParseContent(&content); err != nil || content.RequestId == "" {
		session.gossipLogger.Warn().Str("sender", event.Sender).Msg("Ignoring invalid secret request")
		return
	}
	if event.Sender == session.MyUserId() && content.RequestingDeviceId == session.MyDeviceId() {
		return
	}
	key := incomingRequestKey(event.Sender, content.RequestingDeviceId, content.RequestId)
	if content.Action == common_models.GossipActionRequestCancellation {
		session.onRequestCancellation(key)
		return
	}
	if content.Action != common_models.GossipActionRequest {
		return
	}
	request := &IncomingGossipingRequest{
		RequestId:  content.RequestId,
		UserId:     event.Sender,
		DeviceId:   content.RequestingDeviceId,
		SecretName: content.Name,
		State:      GossipingRequestStatePending,
		ReceivedAt: time.Now(),
	}
	if !session.addIncoming(request) {
		return
	}
	session.gossipLogger.Debug().Str("user_id", event.Sender).Str("device_id", content.RequestingDeviceId).
		Str("secret", content.Name).Msg("Secret request received")
	// make sure the device is known before deciding
	if _, err := session.ensureDevice(event.Sender, content.RequestingDeviceId); err != nil {
		session.gossipLogger.Debug().Err(err).Msg("Secret request from unknown device")
	}
	session.processIncoming(key)
}

// onRoomKeyRequest records an m.room_key_request from another device and answers it if allowed.
func (session *Session) onRoomKeyRequest(event *common_models.Event) {
	var content common_models.RoomKeyRequestContent
	if err := event.ParseContent(&content); err != nil || content.RequestId == "" {
		session.gossipLogger.Warn().Str("sender", event.Sender).Msg("Ignoring invalid room key request")
		return
	}
	if event.Sender == session.MyUserId() && content.RequestingDeviceId == session.MyDeviceId() {
		return
	}
	key := incomingRequestKey(event.Sender, content.RequestingDeviceId, content.RequestId)
	if content.Action == common_models.GossipActionRequestCancellation {
		session.onRequestCancellation(key)
		return
	}
	if content.Action != common_models.GossipActionRequest || content.Body == nil {
		return
	}
	request := &IncomingGossipingRequest{
		RequestId:   content.RequestId,
		UserId:      event.Sender,
		DeviceId:    content.RequestingDeviceId,
		RequestBody: content.Body,
		State:       GossipingRequestStatePending,
		ReceivedAt:  time.Now(),
	}
	if !session.addIncoming(request) {
		return
	}
	session.gossipLogger.Debug().Str("user_id", event.Sender).Str("device_id", content.RequestingDeviceId).
		Str("session_id", content.Body.SessionId).Msg("Room key request received")
	if _, err := session.ensureDevice(event.Sender, content.RequestingDeviceId); err != nil {
		session.gossipLogger.Debug().Err(err).Msg("Room key request from unknown device")
	}
	session.processIncoming(key)
}

// addIncoming stores a new incoming request. Older pending requests of the same device for the same
// thing become ReRequested. It returns false for a request id already seen.
func (session *Session) addIncoming(request *IncomingGossipingRequest) bool {
	s := &session.storage.gossiping
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.Incoming[request.key()]; ok {
		return false
	}
	for _, previous := range s.Incoming {
		if previous.UserId != request.UserId || previous.DeviceId != request.DeviceId || previous.State != GossipingRequestStatePending {
			continue
		}
		if (request.SecretName != "" && previous.SecretName == request.SecretName) || sameRequestBody(previous.RequestBody, request.RequestBody) {
			previous.State = GossipingRequestStateReRequested
		}
	}
	s.Incoming[request.key()] = request
	return true
}

func (session *Session) onRequestCancellation(key string) {
	s := &session.storage.gossiping
	s.lock.Lock()
	request := s.Incoming[key]
	cancelled := request != nil && request.State == GossipingRequestStatePending
	if cancelled {
		request.State = GossipingRequestStateCancelledByRequester
	}
	s.lock.Unlock()
	if cancelled {
		session.gossipLogger.Debug().Str("request_id", request.RequestId).Msg("Request cancelled by requester")
		session.saveGossipingOrLog()
	}
}

// roomKeyShareIndex decides whether the room key of body may be shared with device, and from which index.
// Own verified devices get the session from its first known index. Any other device only gets it
// from the index it was shared with at encryption time. Own devices not verified yet stay pending.
func (session *Session) roomKeyShareIndex(device *CryptoDeviceInfo, inbound *inboundGroupSession) (uint32, GossipingRequestState) {
	if device.UserId == session.MyUserId() && device.IsVerified() {
		return inbound.Session.FirstKnownIndex(), GossipingRequestStateAccepting
	}
	if index, ok := session.storage.groupSessions.sharedIndex(inbound.Session.SessionId(), device.UserId, device.DeviceId); ok {
		return utils.Max(index, inbound.Session.FirstKnownIndex()), GossipingRequestStateAccepting
	}
	if device.UserId == session.MyUserId() {
		return 0, GossipingRequestStatePending
	}
	return 0, GossipingRequestStateRejected
}

// processIncoming answers a Pending request when the predicate allows it, rejects it when it never
// will, and otherwise leaves it Pending.
func (session *Session) processIncoming(key string) {
	s := &session.storage.gossiping
	s.lock.RLock()
	stored := s.Incoming[key]
	if stored == nil || stored.State != GossipingRequestStatePending {
		s.lock.RUnlock()
		return
	}
	request := *stored
	s.lock.RUnlock()
	logger := session.gossipLogger.With().Str("user_id", request.UserId).Str("device_id", request.DeviceId).Str("request_id", request.RequestId).Logger()

	device := session.storage.devices.getDevice(request.UserId, request.DeviceId)
	if device == nil {
		return
	}

	var eventType string
	var content any
	if request.SecretName != "" {
		if request.UserId != session.MyUserId() {
			logger.Info().Str("secret", request.SecretName).Msg("Rejecting secret request from another user")
			session.setIncomingStateAndSave(key, GossipingRequestStateRejected)
			return
		}
		if !device.IsVerified() {
			logger.Debug().Str("secret", request.SecretName).Msg("Secret request from unverified device left pending")
			return
		}
		secret, ok := session.secretValue(request.SecretName)
		if !ok {
			logger.Debug().Str("secret", request.SecretName).Msg("Secret not held, rejecting request")
			session.setIncomingStateAndSave(key, GossipingRequestStateRejected)
			return
		}
		eventType = common_models.EventTypeSecretSend
		content = &common_models.SecretSendContent{RequestId: request.RequestId, Secret: secret}
	} else {
		body := request.RequestBody
		inbound := session.getInboundSession(body.RoomId, body.SenderKey, body.SessionId)
		if inbound == nil || body.Algorithm != common_models.AlgorithmMegolm {
			logger.Debug().Str("session_id", body.SessionId).Msg("Room key not held, rejecting request")
			session.setIncomingStateAndSave(key, GossipingRequestStateRejected)
			return
		}
		index, decision := session.roomKeyShareIndex(device, inbound)
		groupSessions := &session.storage.groupSessions
		groupSessions.lock.RLock()
		var exported string
		var err error
		if decision == GossipingRequestStateAccepting {
			exported, err = inbound.Session.Export(index)
		}
		forwarded := &common_models.ForwardedRoomKeyContent{
			Algorithm:                    common_models.AlgorithmMegolm,
			RoomId:                       inbound.RoomId,
			SenderKey:                    inbound.SenderKey,
			SessionId:                    inbound.Session.SessionId(),
			SessionKey:                   exported,
			SenderClaimedEd25519Key:      inbound.SenderClaimedEd25519Key,
			ForwardingCurve25519KeyChain: append([]string{}, inbound.ForwardingCurve25519KeyChain...),
		}
		groupSessions.lock.RUnlock()
		switch {
		case decision == GossipingRequestStatePending:
			logger.Debug().Str("session_id", body.SessionId).Msg("Room key request from unverified own device left pending")
			return
		case decision == GossipingRequestStateRejected:
			logger.Info().Str("session_id", body.SessionId).Msg("Rejecting room key request: session was never shared with this device")
			session.setIncomingStateAndSave(key, GossipingRequestStateRejected)
			return
		case err != nil:
			logger.Warn().Err(err).Msg("Could not export room key")
			session.setIncomingStateAndSave(key, GossipingRequestStateFailedToAccept)
			return
		}
		logger.Debug().Str("session_id", body.SessionId).Uint32("index", index).Msg("Forwarding room key")
		eventType = common_models.EventTypeForwardedRoomKey
		content = forwarded
	}

	if !session.claimIncoming(key) {
		return
	}
	if _, err := session.sendEncryptedToDevices([]*CryptoDeviceInfo{device}, eventType, content); err != nil {
		logger.Warn().Err(err).Msg("Could not answer gossiping request")
		session.setIncomingStateAndSave(key, GossipingRequestStateFailedToAccept)
		return
	}
	logger.Info().Str("type", eventType).Msg("Gossiping request accepted")
	session.setIncomingStateAndSave(key, GossipingRequestStateAccepted)
}

func (session *Session) setIncomingStateAndSave(key string, state GossipingRequestState) {
	session.storage.gossiping.setIncomingState(key, state)
	session.saveGossipingOrLog()
}

// onTrustChanged re-evaluates the requests left pending because their device was not verified.
func (session *Session) onTrustChanged() {
	if session.closed || session.MyUserId() == "" {
		return
	}
	session.locks.trustLock.Lock()
	defer session.locks.trustLock.Unlock()
	for _, request := range session.storage.gossiping.allIncoming() {
		if request.State == GossipingRequestStatePending {
			session.processIncoming(request.key())
		}
	}
}

/*
 * Received answers
 */

// onSecretSend accepts a secret answering one of our outstanding requests, sent by an own verified device.
func (session *Session) onSecretSend(decrypted *decryptedToDevice) {
	var content common_models.SecretSendContent
	if err := json.Unmarshal(decrypted.Payload.Content, &content); err != nil {
		session.gossipLogger.Warn().Err(err).Msg("Ignoring invalid secret")
		return
	}
	logger := session.gossipLogger.With().Str("request_id", content.RequestId).Str("device_id", decrypted.Device.DeviceId).Logger()
	if decrypted.Device.UserId != session.MyUserId() || !decrypted.Device.IsVerified() {
		logger.Warn().Msg("Ignoring secret sent by a device that is not an own verified device")
		return
	}
	request := session.storage.gossiping.getOutgoing(content.RequestId)
	if request == nil || request.SecretName == "" || !request.State.isOutstanding() {
		logger.Warn().Msg("Ignoring secret that answers no outstanding request")
		return
	}
	if err := session.acceptSecret(request.SecretName, content.Secret); err != nil {
		logger.Warn().Err(err).Str("secret", request.SecretName).Msg("Ignoring invalid secret")
		return
	}
	logger.Info().Str("secret", request.SecretName).Msg("Secret received")
	// the other recipients no longer need to answer
	if err := session.sendCancellation(request.RequestId, false); err != nil {
		logger.Warn().Err(err).Msg("Could not cancel secret request")
	}
}

// acceptSecret validates a received secret against what is published, and stores it.
func (session *Session) acceptSecret(name string, secret string) error {
	if name == common_models.SecretNameKeyBackup {
		privateKey, err := asymkey.PrivateKeyFromB64(secret)
		if err != nil {
			return tracerr.Wrap(ErrorInvalidSecret.AddDetails(err.Error()))
		}
		version, err := session.GetCurrentBackupVersion()
		if err != nil {
			return tracerr.Wrap(err)
		}
		if version == nil {
			return tracerr.Wrap(ErrorNoBackupVersion)
		}
		recoveryKey := EncodeRecoveryKey(privateKey.Encode())
		if _, err = checkRecoveryKey(version, recoveryKey); err != nil {
			return tracerr.Wrap(ErrorInvalidSecret.AddDetails(err.Error()))
		}
		if err = session.SaveBackupRecoveryKey(recoveryKey, version.Version); err != nil {
			return tracerr.Wrap(err)
		}
		if _, _, err = session.RestoreKeyBackupWithRecoveryKey(version.Version, recoveryKey); err != nil {
			session.gossipLogger.Warn().Err(err).Msg("Could not restore key backup with received key")
		}
		return nil
	}

	key, err := asymkey.SigningKeyFromB64(secret)
	if err != nil {
		return tracerr.Wrap(ErrorInvalidSecret.AddDetails(err.Error()))
	}
	info := session.storage.devices.getCrossSigning(session.MyUserId())
	if info == nil {
		return tracerr.Wrap(ErrorInvalidSecret.AddDetails("no published cross-signing keys"))
	}
	var published *common_models.CrossSigningKey
	switch name {
	case common_models.SecretNameMasterKey:
		published = info.Keys.Master
	case common_models.SecretNameSelfSigningKey:
		published = info.Keys.SelfSigning
	case common_models.SecretNameUserSigningKey:
		published = info.Keys.UserSigning
	default:
		return tracerr.Wrap(ErrorUnknownSecretName.AddDetails(name))
	}
	if err = crosssigning.PrivateMatchesPublic(key, published); err != nil {
		return tracerr.Wrap(ErrorInvalidSecret.AddDetails(err.Error()))
	}
	session.storage.crossSigning.update(func(keys *crosssigning.PrivateKeys) {
		switch name {
		case common_models.SecretNameMasterKey:
			keys.Master = key
		case common_models.SecretNameSelfSigningKey:
			keys.SelfSigning = key
		case common_models.SecretNameUserSigningKey:
			keys.UserSigning = key
		}
	})
	if err = session.saveCrossSigning(); err != nil {
		return tracerr.Wrap(err)
	}
	if name == common_models.SecretNameMasterKey {
		session.locks.trustLock.Lock()
		session.recomputeTrust()
		session.locks.trustLock.Unlock()
		if err = session.saveDevices(); err != nil {
			return tracerr.Wrap(err)
		}
		session.onTrustChanged()
	}
	return nil
}

// onForwardedRoomKey imports a forwarded room key answering one of our outstanding requests. It must
// come from an own verified device or from the device that created the session.
func (session *Session) onForwardedRoomKey(decrypted *decryptedToDevice) {
	var content common_models.ForwardedRoomKeyContent
	if err := json.Unmarshal(decrypted.Payload.Content, &content); err != nil || content.Algorithm != common_models.AlgorithmMegolm {
		session.gossipLogger.Warn().Msg("Ignoring invalid forwarded room key")
		return
	}
	logger := session.gossipLogger.With().Str("session_id", content.SessionId).Str("sender", decrypted.Payload.Sender).
		Str("device_id", decrypted.Device.DeviceId).Logger()
	body := &common_models.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomId:    content.RoomId,
		SenderKey: content.SenderKey,
		SessionId: content.SessionId,
	}
	requested := false
	for _, request := range session.storage.gossiping.allOutgoing() {
		if sameRequestBody(request.RequestBody, body) && request.State.isOutstanding() {
			requested = true
			break
		}
	}
	if !requested {
		logger.Warn().Msg("Ignoring forwarded room key that answers no outstanding request")
		return
	}
	device := decrypted.Device
	ownVerified := device.UserId == session.MyUserId() && device.IsVerified()
	if !ownVerified && device.IdentityKey() != content.SenderKey {
		logger.Warn().Msg("Ignoring forwarded room key from a device that is neither own verified nor the session creator")
		return
	}

	megolmSession, err := megolm.ImportInboundGroupSession(content.SessionKey)
	if err != nil || megolmSession.SessionId() != content.SessionId {
		logger.Warn().Err(err).Msg("Ignoring forwarded room key with a bad session key")
		return
	}
	chain := append(append([]string{}, content.ForwardingCurve25519KeyChain...), decrypted.SenderKey)
	inbound := &inboundGroupSession{
		Session:                      megolmSession,
		RoomId:                       content.RoomId,
		SenderKey:                    content.SenderKey,
		SenderClaimedEd25519Key:      content.SenderClaimedEd25519Key,
		ForwardingCurve25519KeyChain: chain,
	}
	if session.storeInboundSession(inbound) {
		logger.Info().Uint32("first_index", megolmSession.FirstKnownIndex()).Msg("Forwarded room key imported")
		if err = session.saveGroupSessions(); err != nil {
			logger.Error().Err(err).Msg("Could not save group sessions")
		}
	} else {
		logger.Debug().Uint32("first_index", megolmSession.FirstKnownIndex()).Msg("Forwarded room key is not better than ours")
	}
	session.onInboundSessionReceived(inbound)
}

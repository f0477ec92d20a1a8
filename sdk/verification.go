package sdk

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/sdk/sas"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
	"sync"
	"time"
)

var (
	// ErrorVerificationUnknownMethod is returned when beginning a verification with a method other than SAS
	ErrorVerificationUnknownMethod = utils.NewTchapError("VERIFICATION_UNKNOWN_METHOD", "unknown verification method")
	// ErrorVerificationUnknownRequest is returned when acting on a verification request that does not exist
	ErrorVerificationUnknownRequest = utils.NewTchapError("VERIFICATION_UNKNOWN_REQUEST", "unknown verification request")
	// ErrorVerificationBadState is returned when a transaction method is called in a state that does not allow it
	ErrorVerificationBadState = utils.NewTchapError("VERIFICATION_BAD_STATE", "verification transaction is not in the right state")
	// ErrorVerificationSelf is returned when trying to verify the current device
	ErrorVerificationSelf = utils.NewTchapError("VERIFICATION_SELF", "cannot verify the current device")
)

// Cancel codes of m.key.verification.cancel.
const (
	CancelCodeUser                 = "m.user"
	CancelCodeTimeout              = "m.timeout"
	CancelCodeUnknownTransaction   = "m.unknown_transaction"
	CancelCodeUnknownMethod        = "m.unknown_method"
	CancelCodeUnexpectedMessage    = "m.unexpected_message"
	CancelCodeKeyMismatch          = "m.key_mismatch"
	CancelCodeUserMismatch         = "m.user_mismatch"
	CancelCodeInvalidMessage       = "m.invalid_message"
	CancelCodeAccepted             = "m.accepted"
	CancelCodeMismatchedCommitment = "m.mismatched_commitment"
	CancelCodeMismatchedSas        = "m.mismatched_sas"
)

const defaultVerificationTimeout = 10 * time.Minute

type VerificationTxState int

const (
	VerificationTxStateNone VerificationTxState = iota
	VerificationTxStateSendingStart
	VerificationTxStateStarted
	VerificationTxStateOnStarted
	VerificationTxStateSendingAccept
	VerificationTxStateAccepted
	VerificationTxStateOnAccepted
	VerificationTxStateSendingKey
	VerificationTxStateKeySent
	VerificationTxStateOnKeyReceived
	VerificationTxStateShortCodeReady
	VerificationTxStateShortCodeAccepted
	VerificationTxStateSendingMac
	VerificationTxStateMacSent
	VerificationTxStateVerifying
	VerificationTxStateVerified
	VerificationTxStateCancelled
	VerificationTxStateOnCancelled
)

var verificationTxStateNames = [...]string{
	"None", "SendingStart", "Started", "OnStarted", "SendingAccept", "Accepted", "OnAccepted", "SendingKey",
	"KeySent", "OnKeyReceived", "ShortCodeReady", "ShortCodeAccepted", "SendingMac", "MacSent", "Verifying",
	"Verified", "Cancelled", "OnCancelled",
}

func (s VerificationTxState) String() string {
	if int(s) < len(verificationTxStateNames) {
		return verificationTxStateNames[s]
	}
	return "Unknown"
}

// IsFinished tells whether the transaction ended, successfully or not.
func (s VerificationTxState) IsFinished() bool {
	return s == VerificationTxStateVerified || s == VerificationTxStateCancelled || s == VerificationTxStateOnCancelled
}

type VerificationRequestState int

const (
	VerificationRequestStateRequested VerificationRequestState = iota
	VerificationRequestStateReady
	VerificationRequestStateStarted
	VerificationRequestStateCancelled
)

func (s VerificationRequestState) String() string {
	switch s {
	case VerificationRequestStateRequested:
		return "Requested"
	case VerificationRequestStateReady:
		return "Ready"
	case VerificationRequestStateStarted:
		return "Started"
	case VerificationRequestStateCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// PendingVerificationRequest is an m.key.verification.request, sent or received, before a transaction starts.
type PendingVerificationRequest struct {
	TransactionId string
	OtherUserId   string
	// OtherDeviceId is the device that sent the request, or that answered ours.
	OtherDeviceId string
	// RequestedDeviceIds are the devices an outgoing request was sent to.
	RequestedDeviceIds []string
	Methods            []string
	IsIncoming         bool
	State              VerificationRequestState
	CreatedAt          time.Time
}

// VerificationListener is notified of verification changes. It is always called outside of the
// service locks, so it may call back into the transactions.
type VerificationListener interface {
	TransactionCreated(tx SasVerificationTransaction)
	TransactionUpdated(tx SasVerificationTransaction)
	VerificationRequestCreated(request PendingVerificationRequest)
	VerificationRequestUpdated(request PendingVerificationRequest)
}

// SasVerificationTransaction is an interactive SAS verification with another device.
type SasVerificationTransaction interface {
	TransactionId() string
	OtherUserId() string
	OtherDeviceId() string
	IsIncoming() bool
	State() VerificationTxState
	// CancelCode is set once the transaction is cancelled, by either side.
	CancelCode() string
	GetDecimalCodeRepresentation() string
	GetEmojiCodeRepresentation() []sas.EmojiRepresentation
	// UserHasVerifiedShortCode must be called once the user confirmed both devices show the same code.
	UserHasVerifiedShortCode() error
	ShortCodeDoesNotMatch()
	Cancel()
}

// IncomingSasVerificationTransaction is a transaction started by the other device.
type IncomingSasVerificationTransaction struct {
	*sasTransaction
}

// PerformAccept accepts the start of the other device, committing to our ephemeral key.
func (tx *IncomingSasVerificationTransaction) PerformAccept() error {
	tx.lock.Lock()
	err := tx.performAccept()
	tx.lock.Unlock()
	tx.service.afterUpdate(tx.sasTransaction)
	return tracerr.Wrap(err)
}

// OutgoingSasVerificationTransaction is a transaction started by this device.
type OutgoingSasVerificationTransaction struct {
	*sasTransaction
}

type sasTransaction struct {
	service       *VerificationService
	logger        zerolog.Logger
	lock          sync.Mutex
	transactionId string
	otherUserId   string
	otherDeviceId string
	incoming      bool

	state      VerificationTxState
	cancelCode string
	sas        *sas.SAS
	// startContent is the m.key.verification.start of the transaction, whoever sent it.
	startContent *common_models.VerificationStartContent
	// commitment is the hash received in m.key.verification.accept, checked against the key.
	commitment        string
	sasBytes          []byte
	theirMac          *common_models.VerificationMacContent
	shortCodeAccepted bool
	// verifiedMasterKeyId is the master key id of the other user, if it was MACed.
	verifiedMasterKeyId string
	verifiedHandled     bool
	timer               *time.Timer
}

func (tx *sasTransaction) TransactionId() string { return tx.transactionId }
func (tx *sasTransaction) OtherUserId() string   { return tx.otherUserId }
func (tx *sasTransaction) OtherDeviceId() string { return tx.otherDeviceId }
func (tx *sasTransaction) IsIncoming() bool      { return tx.incoming }

func (tx *sasTransaction) State() VerificationTxState {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	return tx.state
}

func (tx *sasTransaction) CancelCode() string {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	return tx.cancelCode
}

func (tx *sasTransaction) GetDecimalCodeRepresentation() string {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.sasBytes == nil {
		return ""
	}
	code, err := sas.DecimalString(tx.sasBytes)
	if err != nil {
		return ""
	}
	return code
}

func (tx *sasTransaction) GetEmojiCodeRepresentation() []sas.EmojiRepresentation {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.sasBytes == nil {
		return nil
	}
	code, err := sas.EmojiCode(tx.sasBytes)
	if err != nil {
		return nil
	}
	return code
}

func (tx *sasTransaction) UserHasVerifiedShortCode() error {
	tx.lock.Lock()
	if tx.state != VerificationTxStateShortCodeReady {
		state := tx.state
		tx.lock.Unlock()
		return tracerr.Wrap(ErrorVerificationBadState.AddDetails(state.String()))
	}
	tx.shortCodeAccepted = true
	tx.setState(VerificationTxStateShortCodeAccepted)
	err := tx.sendMac()
	if err == nil && tx.theirMac != nil {
		tx.checkTheirMac()
	}
	tx.lock.Unlock()
	tx.service.afterUpdate(tx)
	return tracerr.Wrap(err)
}

func (tx *sasTransaction) ShortCodeDoesNotMatch() {
	tx.lock.Lock()
	tx.cancel(CancelCodeMismatchedSas, "short authentication strings do not match")
	tx.lock.Unlock()
	tx.service.afterUpdate(tx)
}

func (tx *sasTransaction) Cancel() {
	tx.lock.Lock()
	tx.cancel(CancelCodeUser, "cancelled by user")
	tx.lock.Unlock()
	tx.service.afterUpdate(tx)
}

// setState must be called with the lock held. It rearms the timeout.
func (tx *sasTransaction) setState(state VerificationTxState) {
	tx.logger.Debug().Str("from", tx.state.String()).Str("to", state.String()).Msg("Verification state")
	tx.state = state
	if state.IsFinished() {
		if tx.timer != nil {
			tx.timer.Stop()
		}
		return
	}
	if tx.timer == nil {
		tx.timer = time.AfterFunc(tx.service.timeout, tx.onTimeout)
	} else {
		tx.timer.Reset(tx.service.timeout)
	}
}

func (tx *sasTransaction) onTimeout() {
	tx.lock.Lock()
	tx.cancel(CancelCodeTimeout, "verification timed out")
	tx.lock.Unlock()
	tx.service.afterUpdate(tx)
}

func (tx *sasTransaction) send(eventType string, content any) error {
	return tracerr.Wrap(tx.service.session.sendToDevice(eventType, map[string]map[string]any{
		tx.otherUserId: {tx.otherDeviceId: content},
	}))
}

// cancel must be called with the lock held.
func (tx *sasTransaction) cancel(code string, reason string) {
	if tx.state.IsFinished() {
		return
	}
	tx.cancelCode = code
	tx.setState(VerificationTxStateCancelled)
	tx.logger.Info().Str("code", code).Str("reason", reason).Msg("Verification cancelled")
	err := tx.send(common_models.EventTypeVerificationCancel, &common_models.VerificationCancelContent{
		TransactionId: tx.transactionId,
		Code:          code,
		Reason:        reason,
	})
	if err != nil {
		tx.logger.Warn().Err(err).Msg("Could not send verification cancel")
	}
}

func (tx *sasTransaction) parties() (sas.Party, sas.Party) {
	me := sas.Party{UserId: tx.service.session.MyUserId(), DeviceId: tx.service.session.MyDeviceId(), Key: tx.sas.PublicKey()}
	other := sas.Party{UserId: tx.otherUserId, DeviceId: tx.otherDeviceId, Key: tx.sas.TheirKey()}
	if tx.incoming {
		return other, me
	}
	return me, other
}

// computeSasBytes must be called with the lock held, once both keys are known.
func (tx *sasTransaction) computeSasBytes() error {
	starter, accepter := tx.parties()
	b, err := tx.sas.GenerateBytes(sas.SasInfo(starter, accepter, tx.transactionId))
	if err != nil {
		return tracerr.Wrap(err)
	}
	tx.sasBytes = b
	tx.setState(VerificationTxStateShortCodeReady)
	return nil
}

func (tx *sasTransaction) performAccept() error {
	if !tx.incoming || tx.state != VerificationTxStateOnStarted {
		return tracerr.Wrap(ErrorVerificationBadState.AddDetails(tx.state.String()))
	}
	commitment, err := sas.Commitment(tx.sas.PublicKey(), tx.startContent)
	if err != nil {
		return tracerr.Wrap(err)
	}
	tx.setState(VerificationTxStateSendingAccept)
	err = tx.send(common_models.EventTypeVerificationAccept, &common_models.VerificationAcceptContent{
		TransactionId:             tx.transactionId,
		Method:                    common_models.VerificationMethodSAS,
		KeyAgreementProtocol:      common_models.KeyAgreementCurve25519HkdfSha256,
		Hash:                      common_models.HashSha256,
		MessageAuthenticationCode: common_models.MacHkdfHmacSha256V2,
		ShortAuthenticationString: []string{common_models.SasDecimal, common_models.SasEmoji},
		Commitment:                commitment,
	})
	if err != nil {
		tx.cancelCode = CancelCodeUser
		tx.setState(VerificationTxStateCancelled)
		return tracerr.Wrap(err)
	}
	tx.setState(VerificationTxStateAccepted)
	return nil
}

func (tx *sasTransaction) onAccept(content *common_models.VerificationAcceptContent) {
	if tx.incoming || tx.state != VerificationTxStateStarted {
		tx.cancel(CancelCodeUnexpectedMessage, "unexpected accept")
		return
	}
	if content.KeyAgreementProtocol != common_models.KeyAgreementCurve25519HkdfSha256 ||
		content.Hash != common_models.HashSha256 ||
		content.MessageAuthenticationCode != common_models.MacHkdfHmacSha256V2 ||
		!utils.SliceIncludes(content.ShortAuthenticationString, common_models.SasDecimal) {
		tx.cancel(CancelCodeUnknownMethod, "unsupported accepted parameters")
		return
	}
	tx.commitment = content.Commitment
	tx.setState(VerificationTxStateOnAccepted)
	tx.sendKey()
}

// sendKey must be called with the lock held.
func (tx *sasTransaction) sendKey() {
	tx.setState(VerificationTxStateSendingKey)
	err := tx.send(common_models.EventTypeVerificationKey, &common_models.VerificationKeyContent{
		TransactionId: tx.transactionId,
		Key:           tx.sas.PublicKey(),
	})
	if err != nil {
		tx.logger.Warn().Err(err).Msg("Could not send verification key")
		tx.cancel(CancelCodeUser, "could not send key")
		return
	}
	tx.setState(VerificationTxStateKeySent)
}

func (tx *sasTransaction) onKey(content *common_models.VerificationKeyContent) {
	expected := utils.Ternary(tx.incoming, VerificationTxStateAccepted, VerificationTxStateKeySent)
	if tx.state != expected || tx.sas.TheirKey() != "" {
		tx.cancel(CancelCodeUnexpectedMessage, "unexpected key")
		return
	}
	if !tx.incoming {
		commitment, err := sas.Commitment(content.Key, tx.startContent)
		if err != nil || commitment != tx.commitment {
			tx.cancel(CancelCodeMismatchedCommitment, "key does not match the commitment")
			return
		}
	}
	if err := tx.sas.SetTheirKey(content.Key); err != nil {
		tx.cancel(CancelCodeInvalidMessage, "invalid key")
		return
	}
	tx.setState(VerificationTxStateOnKeyReceived)
	if tx.incoming {
		tx.sendKey()
		if tx.state.IsFinished() {
			return
		}
	}
	if err := tx.computeSasBytes(); err != nil {
		tx.cancel(CancelCodeInvalidMessage, err.Error())
	}
}

// macKeys returns the keys we MAC for the other device: our device key, and our master key if published.
func (tx *sasTransaction) macKeys() map[string]string {
	me := tx.service.session.storage.currentDevice.get()
	keys := map[string]string{crosssigning.DeviceKeyId(me.DeviceId): me.SigningKey.Public().ToB64()}
	if info := tx.service.session.GetMyCrossSigningKeys(); info != nil && info.Keys.Master != nil {
		keyId, key := info.Keys.Master.PublicKey()
		keys[keyId] = key
	}
	return keys
}

// sendMac must be called with the lock held.
func (tx *sasTransaction) sendMac() error {
	me := tx.service.session.storage.currentDevice.get()
	keys := tx.macKeys()
	content := &common_models.VerificationMacContent{TransactionId: tx.transactionId, Mac: make(map[string]string)}
	keyIds := utils.SortedKeys(keys)
	for _, keyId := range keyIds {
		mac, err := tx.sas.CalculateMac(keys[keyId], sas.MacInfo(me.UserId, me.DeviceId, tx.otherUserId, tx.otherDeviceId, tx.transactionId, keyId))
		if err != nil {
			tx.cancel(CancelCodeUser, err.Error())
			return tracerr.Wrap(err)
		}
		content.Mac[keyId] = mac
	}
	keysMac, err := tx.sas.CalculateMac(strings.Join(keyIds, ","), sas.MacInfo(me.UserId, me.DeviceId, tx.otherUserId, tx.otherDeviceId, tx.transactionId, sas.KeyIdsMacName))
	if err != nil {
		tx.cancel(CancelCodeUser, err.Error())
		return tracerr.Wrap(err)
	}
	content.Keys = keysMac

	tx.setState(VerificationTxStateSendingMac)
	if err = tx.send(common_models.EventTypeVerificationMac, content); err != nil {
		tx.cancel(CancelCodeUser, "could not send mac")
		return tracerr.Wrap(err)
	}
	tx.setState(VerificationTxStateMacSent)
	return nil
}

func (tx *sasTransaction) onMac(content *common_models.VerificationMacContent) {
	if tx.sasBytes == nil || tx.theirMac != nil || tx.state.IsFinished() {
		tx.cancel(CancelCodeUnexpectedMessage, "unexpected mac")
		return
	}
	tx.theirMac = content
	// the MAC is checked once our user confirmed the short code
	if tx.state == VerificationTxStateMacSent {
		tx.checkTheirMac()
	}
}

// checkTheirMac must be called with the lock held, after our MAC was sent.
func (tx *sasTransaction) checkTheirMac() {
	tx.setState(VerificationTxStateVerifying)
	session := tx.service.session
	me := session.storage.currentDevice.get()
	info := func(keyId string) string {
		return sas.MacInfo(tx.otherUserId, tx.otherDeviceId, me.UserId, me.DeviceId, tx.transactionId, keyId)
	}
	keyIds := utils.SortedKeys(tx.theirMac.Mac)
	ok, err := tx.sas.VerifyMac(strings.Join(keyIds, ","), info(sas.KeyIdsMacName), tx.theirMac.Keys)
	if err != nil || !ok {
		tx.cancel(CancelCodeKeyMismatch, "key ids mac mismatch")
		return
	}

	device := session.storage.devices.getDevice(tx.otherUserId, tx.otherDeviceId)
	if device == nil {
		tx.cancel(CancelCodeKeyMismatch, "unknown device")
		return
	}
	var masterKeyId, masterKey string
	if crossSigningInfo := session.storage.devices.getCrossSigning(tx.otherUserId); crossSigningInfo != nil && crossSigningInfo.Keys.Master != nil {
		masterKeyId, masterKey = crossSigningInfo.Keys.Master.PublicKey()
	}
	deviceChecked := false
	verifiedMasterKeyId := ""
	for _, keyId := range keyIds {
		var value string
		switch keyId {
		case crosssigning.DeviceKeyId(tx.otherDeviceId):
			value = device.FingerprintKey()
		case masterKeyId:
			value = masterKey
		default:
			tx.logger.Debug().Str("key_id", keyId).Msg("Ignoring MAC of an unknown key")
			continue
		}
		ok, err = tx.sas.VerifyMac(value, info(keyId), tx.theirMac.Mac[keyId])
		if err != nil || !ok {
			tx.cancel(CancelCodeKeyMismatch, "mac mismatch for "+keyId)
			return
		}
		if keyId == masterKeyId {
			verifiedMasterKeyId = keyId
		} else {
			deviceChecked = true
		}
	}
	if !deviceChecked {
		tx.cancel(CancelCodeKeyMismatch, "device key was not MACed")
		return
	}
	tx.verifiedMasterKeyId = verifiedMasterKeyId
	tx.setState(VerificationTxStateVerified)
	tx.logger.Info().Bool("master_key", verifiedMasterKeyId != "").Msg("Verification succeeded")
	err = tx.send(common_models.EventTypeVerificationDone, &common_models.VerificationDoneContent{TransactionId: tx.transactionId})
	if err != nil {
		tx.logger.Warn().Err(err).Msg("Could not send verification done")
	}
}

func (tx *sasTransaction) onCancel(content *common_models.VerificationCancelContent) {
	if tx.state.IsFinished() {
		return
	}
	tx.cancelCode = content.Code
	tx.setState(VerificationTxStateOnCancelled)
	tx.logger.Info().Str("code", content.Code).Str("reason", content.Reason).Msg("Verification cancelled by other device")
}

// VerificationService runs the interactive verifications of a session.
type VerificationService struct {
	session      *Session
	logger       zerolog.Logger
	lock         sync.Mutex
	transactions map[string]*sasTransaction
	requests     map[string]*PendingVerificationRequest
	listeners    []VerificationListener
	timeout      time.Duration
}

func newVerificationService(session *Session) *VerificationService {
	return &VerificationService{
		session:      session,
		logger:       session.logger.With().Str("component", "verification").Logger(),
		transactions: make(map[string]*sasTransaction),
		requests:     make(map[string]*PendingVerificationRequest),
		timeout:      defaultVerificationTimeout,
	}
}

// Verification returns the verification service of the session.
func (session *Session) Verification() *VerificationService {
	return session.verification
}

func (s *VerificationService) AddListener(listener VerificationListener) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *VerificationService) RemoveListener(listener VerificationListener) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *VerificationService) getListeners() []VerificationListener {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]VerificationListener{}, s.listeners...)
}

func wrapTransaction(tx *sasTransaction) SasVerificationTransaction {
	if tx.incoming {
		return &IncomingSasVerificationTransaction{tx}
	}
	return &OutgoingSasVerificationTransaction{tx}
}

func (s *VerificationService) notifyTransactionUpdated(tx SasVerificationTransaction) {
	for _, listener := range s.getListeners() {
		listener.TransactionUpdated(tx)
	}
}

func (s *VerificationService) notifyRequest(request PendingVerificationRequest, created bool) {
	for _, listener := range s.getListeners() {
		if created {
			listener.VerificationRequestCreated(request)
		} else {
			listener.VerificationRequestUpdated(request)
		}
	}
}

// afterUpdate runs, outside of the transaction lock, what follows a transaction change.
func (s *VerificationService) afterUpdate(tx *sasTransaction) {
	tx.lock.Lock()
	state := tx.state
	runVerified := state == VerificationTxStateVerified && !tx.verifiedHandled
	if runVerified {
		tx.verifiedHandled = true
	}
	masterKeyId := tx.verifiedMasterKeyId
	tx.lock.Unlock()

	if state == VerificationTxStateCancelled || state == VerificationTxStateOnCancelled {
		s.updateRequestState(tx.transactionId, VerificationRequestStateCancelled)
	}
	if runVerified {
		s.onVerified(tx.otherUserId, tx.otherDeviceId, masterKeyId)
	}
	s.notifyTransactionUpdated(wrapTransaction(tx))
}

// onVerified establishes the trust a successful verification gives.
func (s *VerificationService) onVerified(otherUserId string, otherDeviceId string, masterKeyId string) {
	session := s.session
	logger := s.logger.With().Str("user_id", otherUserId).Str("device_id", otherDeviceId).Logger()
	if masterKeyId != "" {
		if err := session.markMasterKeyVerified(otherUserId, masterKeyId); err != nil {
			logger.Error().Err(err).Msg("Could not trust master key")
		}
	}
	if err := session.SetDeviceVerification(true, otherUserId, otherDeviceId); err != nil {
		logger.Error().Err(err).Msg("Could not mark device verified")
	}
	if otherUserId != session.MyUserId() {
		return
	}
	if session.CanCrossSign() {
		if err := session.TrustDevice(otherDeviceId); err != nil {
			logger.Error().Err(err).Msg("Could not cross-sign verified device")
		}
	}
	if !session.hasAllSecrets() {
		session.requestSecrets()
	}
}

func (s *VerificationService) getTransaction(transactionId string) *sasTransaction {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.transactions[transactionId]
}

// GetExistingTransaction returns a transaction with otherUserId, or nil.
func (s *VerificationService) GetExistingTransaction(otherUserId string, transactionId string) SasVerificationTransaction {
	tx := s.getTransaction(transactionId)
	if tx == nil || tx.otherUserId != otherUserId {
		return nil
	}
	return wrapTransaction(tx)
}

// GetExistingVerificationRequest returns a copy of a pending request with otherUserId, or nil.
func (s *VerificationService) GetExistingVerificationRequest(otherUserId string, transactionId string) *PendingVerificationRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	request := s.requests[transactionId]
	if request == nil || request.OtherUserId != otherUserId {
		return nil
	}
	clone := *request
	return &clone
}

func (s *VerificationService) updateRequestState(transactionId string, state VerificationRequestState) {
	s.lock.Lock()
	request := s.requests[transactionId]
	if request == nil || request.State == state || request.State == VerificationRequestStateCancelled {
		s.lock.Unlock()
		return
	}
	request.State = state
	clone := *request
	s.lock.Unlock()
	s.notifyRequest(clone, false)
}

func (s *VerificationService) newTransaction(transactionId string, otherUserId string, otherDeviceId string, incoming bool) (*sasTransaction, error) {
	sasInstance, err := sas.New()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &sasTransaction{
		service:       s,
		logger:        s.logger.With().Str("transaction_id", transactionId).Str("other_device", otherDeviceId).Logger(),
		transactionId: transactionId,
		otherUserId:   otherUserId,
		otherDeviceId: otherDeviceId,
		incoming:      incoming,
		sas:           sasInstance,
	}, nil
}

func supportedStartContent(content *common_models.VerificationStartContent) *common_models.VerificationStartContent {
	return &common_models.VerificationStartContent{
		FromDevice:                 content.FromDevice,
		Method:                     common_models.VerificationMethodSAS,
		TransactionId:              content.TransactionId,
		KeyAgreementProtocols:      []string{common_models.KeyAgreementCurve25519HkdfSha256},
		Hashes:                     []string{common_models.HashSha256},
		MessageAuthenticationCodes: []string{common_models.MacHkdfHmacSha256V2},
		ShortAuthenticationString:  []string{common_models.SasDecimal, common_models.SasEmoji},
	}
}

// BeginKeyVerification starts a SAS verification with a device. transactionId is the one of a
// ready verification request, or empty to start directly.
func (s *VerificationService) BeginKeyVerification(method string, otherUserId string, otherDeviceId string, transactionId string) (*OutgoingSasVerificationTransaction, error) {
	if err := s.session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if method != common_models.VerificationMethodSAS {
		return nil, tracerr.Wrap(ErrorVerificationUnknownMethod.AddDetails(method))
	}
	if otherUserId == s.session.MyUserId() && otherDeviceId == s.session.MyDeviceId() {
		return nil, tracerr.Wrap(ErrorVerificationSelf)
	}
	if _, err := s.session.ensureDevice(otherUserId, otherDeviceId); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if transactionId == "" {
		transactionId = uuid.NewString()
	}
	tx, err := s.newTransaction(transactionId, otherUserId, otherDeviceId, false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	tx.startContent = supportedStartContent(&common_models.VerificationStartContent{
		FromDevice:    s.session.MyDeviceId(),
		TransactionId: transactionId,
	})
	s.lock.Lock()
	s.transactions[transactionId] = tx
	s.lock.Unlock()
	outgoing := &OutgoingSasVerificationTransaction{tx}
	for _, listener := range s.getListeners() {
		listener.TransactionCreated(outgoing)
	}

	tx.lock.Lock()
	tx.setState(VerificationTxStateSendingStart)
	err = tx.send(common_models.EventTypeVerificationStart, tx.startContent)
	if err != nil {
		tx.cancelCode = CancelCodeUser
		tx.setState(VerificationTxStateCancelled)
	} else {
		tx.setState(VerificationTxStateStarted)
	}
	tx.lock.Unlock()
	s.updateRequestState(transactionId, VerificationRequestStateStarted)
	s.afterUpdate(tx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return outgoing, nil
}

// RequestKeyVerification sends a verification request to devices of otherUserId, or to all of them
// when otherDevices is empty. It returns the transaction id.
func (s *VerificationService) RequestKeyVerification(methods []string, otherUserId string, otherDevices []string) (string, error) {
	if err := s.session.checkSessionState(true); err != nil {
		return "", tracerr.Wrap(err)
	}
	if len(otherDevices) == 0 {
		devices, err := s.session.DownloadKeys([]string{otherUserId}, false)
		if err != nil {
			return "", tracerr.Wrap(err)
		}
		for _, deviceId := range utils.SortedKeys(devices[otherUserId]) {
			if otherUserId != s.session.MyUserId() || deviceId != s.session.MyDeviceId() {
				otherDevices = append(otherDevices, deviceId)
			}
		}
	}
	if len(otherDevices) == 0 {
		return "", tracerr.Wrap(ErrorUnknownDevice.AddDetails(otherUserId))
	}
	request := &PendingVerificationRequest{
		TransactionId:      uuid.NewString(),
		OtherUserId:        otherUserId,
		RequestedDeviceIds: otherDevices,
		Methods:            methods,
		State:              VerificationRequestStateRequested,
		CreatedAt:          time.Now(),
	}
	content := &common_models.VerificationRequestContent{
		FromDevice:    s.session.MyDeviceId(),
		Methods:       methods,
		Timestamp:     request.CreatedAt.UnixMilli(),
		TransactionId: request.TransactionId,
	}
	messages := map[string]map[string]any{otherUserId: {}}
	for _, deviceId := range otherDevices {
		messages[otherUserId][deviceId] = content
	}
	if err := s.session.sendToDevice(common_models.EventTypeVerificationRequest, messages); err != nil {
		return "", tracerr.Wrap(err)
	}
	s.lock.Lock()
	s.requests[request.TransactionId] = request
	clone := *request
	s.lock.Unlock()
	s.logger.Info().Str("transaction_id", request.TransactionId).Str("user_id", otherUserId).Msg("Verification requested")
	s.notifyRequest(clone, true)
	return request.TransactionId, nil
}

// ReadyPendingVerification answers an incoming verification request with m.key.verification.ready.
func (s *VerificationService) ReadyPendingVerification(transactionId string) error {
	s.lock.Lock()
	request := s.requests[transactionId]
	if request == nil || !request.IsIncoming || request.State != VerificationRequestStateRequested {
		s.lock.Unlock()
		return tracerr.Wrap(ErrorVerificationUnknownRequest.AddDetails(transactionId))
	}
	otherUserId, otherDeviceId := request.OtherUserId, request.OtherDeviceId
	s.lock.Unlock()

	err := s.session.sendToDevice(common_models.EventTypeVerificationReady, map[string]map[string]any{
		otherUserId: {otherDeviceId: &common_models.VerificationReadyContent{
			FromDevice:    s.session.MyDeviceId(),
			Methods:       []string{common_models.VerificationMethodSAS},
			TransactionId: transactionId,
		}},
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	s.updateRequestState(transactionId, VerificationRequestStateReady)
	return nil
}

// onToDeviceEvent routes a cleartext verification event.
func (s *VerificationService) onToDeviceEvent(event *common_models.Event) {
	switch event.Type {
	case common_models.EventTypeVerificationRequest:
		var content common_models.VerificationRequestContent
		if event.ParseContent(&content) == nil {
			s.onRequest(event.Sender, &content)
		}
	case common_models.EventTypeVerificationReady:
		var content common_models.VerificationReadyContent
		if event.ParseContent(&content) == nil {
			s.onReady(event.Sender, &content)
		}
	case common_models.EventTypeVerificationStart:
		var content common_models.VerificationStartContent
		if event.ParseContent(&content) == nil {
			s.onStart(event.Sender, &content)
		}
	case common_models.EventTypeVerificationAccept:
		var content common_models.VerificationAcceptContent
		if event.ParseContent(&content) == nil {
			s.withTransaction(event.Sender, content.TransactionId, func(tx *sasTransaction) { tx.onAccept(&content) })
		}
	case common_models.EventTypeVerificationKey:
		var content common_models.VerificationKeyContent
		if event.ParseContent(&content) == nil {
			s.withTransaction(event.Sender, content.TransactionId, func(tx *sasTransaction) { tx.onKey(&content) })
		}
	case common_models.EventTypeVerificationMac:
		var content common_models.VerificationMacContent
		if event.ParseContent(&content) == nil {
			s.withTransaction(event.Sender, content.TransactionId, func(tx *sasTransaction) { tx.onMac(&content) })
		}
	case common_models.EventTypeVerificationCancel:
		var content common_models.VerificationCancelContent
		if event.ParseContent(&content) != nil {
			return
		}
		if tx := s.getTransaction(content.TransactionId); tx != nil && tx.otherUserId == event.Sender {
			tx.lock.Lock()
			tx.onCancel(&content)
			tx.lock.Unlock()
			s.afterUpdate(tx)
			return
		}
		s.updateRequestState(content.TransactionId, VerificationRequestStateCancelled)
	case common_models.EventTypeVerificationDone:
		// nothing to do: each side decides on its own MAC check
	}
}

// withTransaction runs f on the transaction with the lock held, or cancels an unknown transaction.
func (s *VerificationService) withTransaction(sender string, transactionId string, f func(tx *sasTransaction)) {
	tx := s.getTransaction(transactionId)
	if tx == nil || tx.otherUserId != sender {
		s.logger.Debug().Str("transaction_id", transactionId).Str("sender", sender).Msg("Verification event for unknown transaction")
		return
	}
	tx.lock.Lock()
	f(tx)
	tx.lock.Unlock()
	s.afterUpdate(tx)
}

func (s *VerificationService) onRequest(sender string, content *common_models.VerificationRequestContent) {
	if sender == s.session.MyUserId() && content.FromDevice == s.session.MyDeviceId() {
		return
	}
	if content.TransactionId == "" || content.FromDevice == "" {
		return
	}
	if !utils.SliceIncludes(content.Methods, common_models.VerificationMethodSAS) {
		s.logger.Debug().Str("transaction_id", content.TransactionId).Msg("Ignoring verification request without SAS")
		return
	}
	request := &PendingVerificationRequest{
		TransactionId: content.TransactionId,
		OtherUserId:   sender,
		OtherDeviceId: content.FromDevice,
		Methods:       content.Methods,
		IsIncoming:    true,
		State:         VerificationRequestStateRequested,
		CreatedAt:     time.Now(),
	}
	s.lock.Lock()
	if _, ok := s.requests[content.TransactionId]; ok {
		s.lock.Unlock()
		return
	}
	s.requests[content.TransactionId] = request
	clone := *request
	s.lock.Unlock()
	s.logger.Info().Str("transaction_id", content.TransactionId).Str("user_id", sender).Str("device_id", content.FromDevice).Msg("Verification request received")
	s.notifyRequest(clone, true)
}

func (s *VerificationService) onReady(sender string, content *common_models.VerificationReadyContent) {
	s.lock.Lock()
	request := s.requests[content.TransactionId]
	if request == nil || request.IsIncoming || request.OtherUserId != sender || request.State != VerificationRequestStateRequested {
		s.lock.Unlock()
		return
	}
	request.OtherDeviceId = content.FromDevice
	request.State = VerificationRequestStateReady
	clone := *request
	s.lock.Unlock()

	// the other requested devices no longer need to answer
	others := make(map[string]any)
	for _, deviceId := range clone.RequestedDeviceIds {
		if deviceId != content.FromDevice {
			others[deviceId] = &common_models.VerificationCancelContent{
				TransactionId: content.TransactionId,
				Code:          CancelCodeAccepted,
				Reason:        "verification accepted by another device",
			}
		}
	}
	if len(others) > 0 {
		err := s.session.sendToDevice(common_models.EventTypeVerificationCancel, map[string]map[string]any{sender: others})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Could not cancel request on other devices")
		}
	}
	s.notifyRequest(clone, false)
}

func (s *VerificationService) onStart(sender string, content *common_models.VerificationStartContent) {
	if content.TransactionId == "" || content.FromDevice == "" {
		return
	}
	if existing := s.getTransaction(content.TransactionId); existing != nil {
		s.withTransaction(sender, content.TransactionId, func(tx *sasTransaction) {
			tx.cancel(CancelCodeUnexpectedMessage, "transaction already started")
		})
		return
	}
	tx, err := s.newTransaction(content.TransactionId, sender, content.FromDevice, true)
	if err != nil {
		s.logger.Error().Err(err).Msg("Could not create verification transaction")
		return
	}
	tx.startContent = content

	s.lock.Lock()
	s.transactions[content.TransactionId] = tx
	s.lock.Unlock()

	tx.lock.Lock()
	switch {
	case content.Method != common_models.VerificationMethodSAS ||
		!utils.SliceIncludes(content.KeyAgreementProtocols, common_models.KeyAgreementCurve25519HkdfSha256) ||
		!utils.SliceIncludes(content.Hashes, common_models.HashSha256) ||
		!utils.SliceIncludes(content.MessageAuthenticationCodes, common_models.MacHkdfHmacSha256V2) ||
		!utils.SliceIncludes(content.ShortAuthenticationString, common_models.SasDecimal):
		tx.cancel(CancelCodeUnknownMethod, "unsupported verification method")
	default:
		if _, err = s.session.ensureDevice(sender, content.FromDevice); err != nil {
			tx.cancel(CancelCodeUserMismatch, "unknown device")
		} else {
			tx.setState(VerificationTxStateOnStarted)
		}
	}
	tx.lock.Unlock()

	s.updateRequestState(content.TransactionId, VerificationRequestStateStarted)
	incoming := &IncomingSasVerificationTransaction{tx}
	for _, listener := range s.getListeners() {
		listener.TransactionCreated(incoming)
	}
	s.afterUpdate(tx)
}

// close cancels the running transactions locally and stops their timers.
func (s *VerificationService) close() {
	s.lock.Lock()
	transactions := make([]*sasTransaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		transactions = append(transactions, tx)
	}
	s.lock.Unlock()
	for _, tx := range transactions {
		tx.lock.Lock()
		if tx.timer != nil {
			tx.timer.Stop()
		}
		if !tx.state.IsFinished() {
			tx.cancelCode = CancelCodeUser
			tx.state = VerificationTxStateCancelled
		}
		tx.lock.Unlock()
	}
}

package common_models

import (
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/ztrue/tracerr"
)

const (
	EventTypeRoomCreate            = "m.room.create"
	EventTypeRoomName              = "m.room.name"
	EventTypeRoomMember            = "m.room.member"
	EventTypeRoomEncryption        = "m.room.encryption"
	EventTypeRoomHistoryVisibility = "m.room.history_visibility"
	EventTypeRoomJoinRules         = "m.room.join_rules"
	EventTypeRoomMessage           = "m.room.message"
	EventTypeRoomEncrypted         = "m.room.encrypted"
	// EventTypeRoomAccessRules is the Tchap state event describing who may join a room.
	EventTypeRoomAccessRules = "im.vector.room.access_rules"

	EventTypeRoomKey          = "m.room_key"
	EventTypeForwardedRoomKey = "m.forwarded_room_key"
	EventTypeRoomKeyRequest   = "m.room_key_request"
	EventTypeSecretRequest    = "m.secret.request"
	EventTypeSecretSend       = "m.secret.send"

	EventTypeVerificationRequest = "m.key.verification.request"
	EventTypeVerificationReady   = "m.key.verification.ready"
	EventTypeVerificationStart   = "m.key.verification.start"
	EventTypeVerificationAccept  = "m.key.verification.accept"
	EventTypeVerificationKey     = "m.key.verification.key"
	EventTypeVerificationMac     = "m.key.verification.mac"
	EventTypeVerificationCancel  = "m.key.verification.cancel"
	EventTypeVerificationDone    = "m.key.verification.done"
)

// Event is a room or to-device event. Content is kept raw and decoded on demand with ParseContent.
type Event struct {
	Type           string          `json:"type"`
	EventId        string          `json:"event_id,omitempty"`
	Sender         string          `json:"sender"`
	RoomId         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTs int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
}

func (e *Event) ParseContent(v any) error {
	if len(e.Content) == 0 {
		return tracerr.Wrap(json.Unmarshal([]byte("{}"), v))
	}
	return tracerr.Wrap(json.Unmarshal(e.Content, v))
}

func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// NewContent marshals a content struct, panicking on failure: every content type here is plain data.
func NewContent(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func StringPtr(s string) *string {
	return &s
}

const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
)

type RoomMessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// EncryptedEventContent is the content of m.room.encrypted. For Megolm, Ciphertext is a
// string; for to-device encryption it is a map of recipient curve25519 key to ECIES payload.
type EncryptedEventContent struct {
	Algorithm  string          `json:"algorithm"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	SenderKey  string          `json:"sender_key,omitempty"`
	SessionId  string          `json:"session_id,omitempty"`
	DeviceId   string          `json:"device_id,omitempty"`
}

func (c *EncryptedEventContent) MegolmCiphertext() (string, error) {
	var s string
	if err := json.Unmarshal(c.Ciphertext, &s); err != nil {
		return "", tracerr.Wrap(err)
	}
	return s, nil
}

func (c *EncryptedEventContent) ToDeviceCiphertext() (map[string]*asymkey.EncryptedPayload, error) {
	var m map[string]*asymkey.EncryptedPayload
	if err := json.Unmarshal(c.Ciphertext, &m); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return m, nil
}

// MegolmPayload is the cleartext wrapped by a Megolm message.
type MegolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomId  string          `json:"room_id"`
}

// ToDevicePayload is the cleartext of an encrypted to-device message.
// It is signed by the sender device's ed25519 key.
type ToDevicePayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Signatures    Signatures        `json:"signatures,omitempty"`
}

type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomId     string `json:"room_id"`
	SessionId  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

type ForwardedRoomKeyContent struct {
	Algorithm                    string   `json:"algorithm"`
	RoomId                       string   `json:"room_id"`
	SenderKey                    string   `json:"sender_key"`
	SessionId                    string   `json:"session_id"`
	SessionKey                   string   `json:"session_key"`
	SenderClaimedEd25519Key      string   `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
}

const (
	GossipActionRequest             = "request"
	GossipActionRequestCancellation = "request_cancellation"
)

// RoomKeyRequestBody identifies the Megolm session a device is asking for.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomId    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionId string `json:"session_id"`
}

type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestId          string              `json:"request_id"`
	RequestingDeviceId string              `json:"requesting_device_id"`
}

type SecretRequestContent struct {
	Action             string `json:"action"`
	Name               string `json:"name,omitempty"`
	RequestId          string `json:"request_id"`
	RequestingDeviceId string `json:"requesting_device_id"`
}

type SecretSendContent struct {
	RequestId string `json:"request_id"`
	Secret    string `json:"secret"`
}

const (
	VerificationMethodSAS = "m.sas.v1"

	KeyAgreementCurve25519HkdfSha256 = "curve25519-hkdf-sha256"
	HashSha256                       = "sha256"
	MacHkdfHmacSha256V2              = "hkdf-hmac-sha256.v2"
	SasDecimal                       = "decimal"
	SasEmoji                         = "emoji"
)

type VerificationRequestContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp"`
	TransactionId string   `json:"transaction_id"`
}

type VerificationReadyContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionId string   `json:"transaction_id"`
}

type VerificationStartContent struct {
	FromDevice                 string   `json:"from_device"`
	Method                     string   `json:"method"`
	TransactionId              string   `json:"transaction_id"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
	Hashes                     []string `json:"hashes"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes"`
	ShortAuthenticationString  []string `json:"short_authentication_string"`
}

type VerificationAcceptContent struct {
	TransactionId             string   `json:"transaction_id"`
	Method                    string   `json:"method"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

type VerificationKeyContent struct {
	TransactionId string `json:"transaction_id"`
	Key           string `json:"key"`
}

type VerificationMacContent struct {
	TransactionId string            `json:"transaction_id"`
	Mac           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

type VerificationCancelContent struct {
	TransactionId string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

type VerificationDoneContent struct {
	TransactionId string `json:"transaction_id"`
}

const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

type EncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int    `json:"rotation_period_msgs,omitempty"`
}

type RoomNameContent struct {
	Name string `json:"name"`
}

const RoomTypeSpace = "m.space"

type RoomCreateContent struct {
	Creator string `json:"creator"`
	Type    string `json:"type,omitempty"`
}

const (
	HistoryVisibilityShared  = "shared"
	HistoryVisibilityInvited = "invited"
	HistoryVisibilityJoined  = "joined"
)

const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
)

type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

const (
	RoomAccessRuleRestricted   = "restricted"
	RoomAccessRuleUnrestricted = "unrestricted"
	RoomAccessRuleDirect       = "direct"
)

type RoomAccessRulesContent struct {
	Rule string `json:"rule"`
}

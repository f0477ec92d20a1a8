package common_models

import (
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/asymkey"
)

// ErrorResponse is the body of every non-2xx answer of the homeserver.
type ErrorResponse struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeBadJson       = "M_BAD_JSON"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeWrongRoomKeys = "M_WRONG_ROOM_KEYS_VERSION"
	ErrCodeTooLarge      = "M_TOO_LARGE"
)

const (
	LoginTypePassword = "m.login.password"
	IdentifierTypeUser = "m.id.user"
)

type RegisterRequest struct {
	Username                 string `json:"username"`
	Password                 string `json:"password"`
	DeviceId                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier"`
	Password                 string          `json:"password"`
	DeviceId                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// LoginResponse is returned by both /register and /login.
type LoginResponse struct {
	UserId      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceId    string `json:"device_id"`
}

// AuthFlow is one list of stages that completes user-interactive authentication.
type AuthFlow struct {
	Stages []string `json:"stages"`
}

// RegistrationFlowResponse is the 401 body of an endpoint protected by user-interactive authentication.
type RegistrationFlowResponse struct {
	Flows     []AuthFlow     `json:"flows"`
	Session   string         `json:"session,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Completed []string       `json:"completed,omitempty"`
	ErrCode   string         `json:"errcode,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// UserPasswordAuth completes the m.login.password stage.
type UserPasswordAuth struct {
	Type       string          `json:"type"`
	Session    string          `json:"session,omitempty"`
	Identifier *UserIdentifier `json:"identifier,omitempty"`
	Password   string          `json:"password"`
}

type KeysUploadRequest struct {
	DeviceKeys *DeviceKeys `json:"device_keys,omitempty"`
}

type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type KeysQueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
}

type KeysQueryResponse struct {
	DeviceKeys      map[string]map[string]*DeviceKeys `json:"device_keys"`
	MasterKeys      map[string]*CrossSigningKey       `json:"master_keys,omitempty"`
	SelfSigningKeys map[string]*CrossSigningKey       `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[string]*CrossSigningKey       `json:"user_signing_keys,omitempty"`
	Failures        map[string]json.RawMessage        `json:"failures,omitempty"`
}

type UploadSigningKeysRequest struct {
	MasterKey      *CrossSigningKey  `json:"master_key,omitempty"`
	SelfSigningKey *CrossSigningKey  `json:"self_signing_key,omitempty"`
	UserSigningKey *CrossSigningKey  `json:"user_signing_key,omitempty"`
	Auth           *UserPasswordAuth `json:"auth,omitempty"`
}

// SignaturesUploadRequest maps user id -> key id (device id or cross-signing public key) -> signed object.
type SignaturesUploadRequest map[string]map[string]json.RawMessage

type SignaturesUploadResponse struct {
	Failures map[string]map[string]ErrorResponse `json:"failures,omitempty"`
}

type SendToDeviceRequest struct {
	Messages map[string]map[string]json.RawMessage `json:"messages"`
}

type EventList struct {
	Events []Event `json:"events"`
}

type Timeline struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

type JoinedRoomSync struct {
	State    EventList `json:"state"`
	Timeline Timeline  `json:"timeline"`
}

type InvitedRoomSync struct {
	InviteState EventList `json:"invite_state"`
}

type LeftRoomSync struct {
	State    EventList `json:"state"`
	Timeline Timeline  `json:"timeline"`
}

type RoomsSync struct {
	Join   map[string]JoinedRoomSync  `json:"join,omitempty"`
	Invite map[string]InvitedRoomSync `json:"invite,omitempty"`
	Leave  map[string]LeftRoomSync    `json:"leave,omitempty"`
}

type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

type SyncResponse struct {
	NextBatch   string      `json:"next_batch"`
	ToDevice    EventList   `json:"to_device"`
	DeviceLists DeviceLists `json:"device_lists"`
	Rooms       RoomsSync   `json:"rooms"`
}

type StateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

const (
	RoomVisibilityPrivate = "private"
	RoomVisibilityPublic  = "public"
)

type CreateRoomRequest struct {
	Name            string            `json:"name,omitempty"`
	Visibility      string            `json:"visibility,omitempty"`
	Invite          []string          `json:"invite,omitempty"`
	IsDirect        bool              `json:"is_direct,omitempty"`
	InitialState    []StateEvent      `json:"initial_state,omitempty"`
	CreationContent map[string]string `json:"creation_content,omitempty"`
}

type CreateRoomResponse struct {
	RoomId string `json:"room_id"`
}

type InviteRequest struct {
	UserId string `json:"user_id"`
}

type JoinRoomResponse struct {
	RoomId string `json:"room_id"`
}

type SendEventResponse struct {
	EventId string `json:"event_id"`
}

type RoomMembersResponse struct {
	Chunk []Event `json:"chunk"`
}

type DeviceInfo struct {
	DeviceId    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenTs  int64  `json:"last_seen_ts,omitempty"`
}

type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// MegolmBackupAuthData is the auth_data of an m.megolm_backup.v1.curve25519-aes-sha2 version.
type MegolmBackupAuthData struct {
	PublicKey            string     `json:"public_key"`
	PrivateKeySalt       string     `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int        `json:"private_key_iterations,omitempty"`
	Signatures           Signatures `json:"signatures,omitempty"`
}

type CreateKeysBackupVersionBody struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

type KeysVersion struct {
	Version string `json:"version"`
}

type KeysVersionResult struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Version   string          `json:"version"`
	Count     int             `json:"count"`
	Etag      string          `json:"etag"`
}

// BackupSessionData is the cleartext of a backed up session, before ECIES encryption.
type BackupSessionData struct {
	Algorithm                    string            `json:"algorithm"`
	SenderKey                    string            `json:"sender_key"`
	SessionKey                   string            `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

type KeyBackupData struct {
	FirstMessageIndex uint32                    `json:"first_message_index"`
	ForwardedCount    int                       `json:"forwarded_count"`
	IsVerified        bool                      `json:"is_verified"`
	SessionData       *asymkey.EncryptedPayload `json:"session_data"`
}

type RoomKeysBackupData struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

type KeysBackupData struct {
	Rooms map[string]RoomKeysBackupData `json:"rooms"`
}

type BackupKeysResult struct {
	Count int    `json:"count"`
	Etag  string `json:"etag"`
}

package homeserver

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"net/http"
	"time"
)

type uiaSession struct {
	userId  string
	created time.Time
}

const uiaSessionLifetime = 10 * time.Minute

func (s *Server) keysUpload(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.KeysUploadRequest
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if body.DeviceKeys != nil {
		if body.DeviceKeys.UserId != auth.userId || body.DeviceKeys.DeviceId != auth.deviceId {
			writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "device keys do not belong to this device")
			return
		}
		d := s.users[auth.userId].devices[auth.deviceId]
		if d == nil {
			writeError(w, http.StatusUnauthorized, common_models.ErrCodeUnknownToken, "device was deleted")
			return
		}
		// signatures made later by cross-signing keys survive a re-upload
		if d.keys != nil {
			for userId, sigs := range d.keys.Signatures {
				for keyId, sig := range sigs {
					if body.DeviceKeys.Signatures.Get(userId, keyId) == "" {
						if body.DeviceKeys.Signatures == nil {
							body.DeviceKeys.Signatures = common_models.Signatures{}
						}
						body.DeviceKeys.Signatures.Add(userId, keyId, sig)
					}
				}
			}
		}
		body.DeviceKeys.Unsigned = &common_models.UnsignedDeviceInfo{DeviceDisplayName: d.displayName}
		d.keys = body.DeviceKeys
		s.deviceChanges = append(s.deviceChanges, deviceChange{position: s.advance(), userId: auth.userId})
	}
	writeJSON(w, http.StatusOK, common_models.KeysUploadResponse{OneTimeKeyCounts: map[string]int{}})
}

func (s *Server) keysQuery(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.KeysQueryRequest
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	resp := common_models.KeysQueryResponse{
		DeviceKeys:      make(map[string]map[string]*common_models.DeviceKeys),
		MasterKeys:      make(map[string]*common_models.CrossSigningKey),
		SelfSigningKeys: make(map[string]*common_models.CrossSigningKey),
		UserSigningKeys: make(map[string]*common_models.CrossSigningKey),
	}
	for userId, deviceIds := range body.DeviceKeys {
		u := s.users[userId]
		if u == nil {
			continue
		}
		devices := make(map[string]*common_models.DeviceKeys)
		for _, d := range u.devices {
			if d.keys == nil {
				continue
			}
			if len(deviceIds) > 0 && !utils.SliceIncludes(deviceIds, d.id) {
				continue
			}
			devices[d.id] = d.keys
		}
		resp.DeviceKeys[userId] = devices
		if u.masterKey != nil {
			resp.MasterKeys[userId] = u.masterKey
		}
		if u.selfSigningKey != nil {
			resp.SelfSigningKeys[userId] = u.selfSigningKey
		}
		// the user-signing key is only visible to its owner
		if u.userSigningKey != nil && userId == auth.userId {
			resp.UserSigningKeys[userId] = u.userSigningKey
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkUIA answers a 401 with the password flow unless body carries a valid password stage.
// Must not be called with lock held.
func (s *Server) checkUIA(w http.ResponseWriter, userId string, auth *common_models.UserPasswordAuth) bool {
	challenge := func(errCode string, message string) {
		sessionId := uuid.NewString()
		s.lock.Lock()
		for id, session := range s.uiaSessions {
			if time.Since(session.created) > uiaSessionLifetime {
				delete(s.uiaSessions, id)
			}
		}
		s.uiaSessions[sessionId] = &uiaSession{userId: userId, created: time.Now()}
		s.lock.Unlock()
		writeJSON(w, http.StatusUnauthorized, common_models.RegistrationFlowResponse{
			Flows:   []common_models.AuthFlow{{Stages: []string{common_models.LoginTypePassword}}},
			Session: sessionId,
			Params:  map[string]any{},
			ErrCode: errCode,
			Error:   message,
		})
	}
	if auth == nil {
		challenge("", "")
		return false
	}
	s.lock.Lock()
	session := s.uiaSessions[auth.Session]
	s.lock.Unlock()
	if auth.Type != common_models.LoginTypePassword || session == nil || session.userId != userId {
		challenge(common_models.ErrCodeUnknown, "unknown auth session")
		return false
	}
	identifier := auth.Identifier
	if identifier == nil {
		identifier = &common_models.UserIdentifier{Type: common_models.IdentifierTypeUser, User: userId}
	}
	u := s.checkPassword(identifier, auth.Password)
	if u == nil || u.id != userId {
		challenge(common_models.ErrCodeForbidden, "invalid password")
		return false
	}
	s.lock.Lock()
	delete(s.uiaSessions, auth.Session)
	s.lock.Unlock()
	return true
}

func (s *Server) deviceSigningUpload(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.UploadSigningKeysRequest
	if !readJSON(w, r, &body) {
		return
	}
	if !s.checkUIA(w, auth.userId, body.Auth) {
		return
	}
	for _, key := range []*common_models.CrossSigningKey{body.MasterKey, body.SelfSigningKey, body.UserSigningKey} {
		if key != nil && (key.UserId != auth.userId || len(key.Keys) != 1) {
			writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid cross-signing key")
			return
		}
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	u := s.users[auth.userId]
	if body.MasterKey != nil {
		u.masterKey = body.MasterKey
	}
	if body.SelfSigningKey != nil {
		u.selfSigningKey = body.SelfSigningKey
	}
	if body.UserSigningKey != nil {
		u.userSigningKey = body.UserSigningKey
	}
	s.deviceChanges = append(s.deviceChanges, deviceChange{position: s.advance(), userId: auth.userId})
	s.logger.Info().Str("user_id", auth.userId).Msg("cross-signing keys uploaded")
	writeJSON(w, http.StatusOK, struct{}{})
}

// signaturesUpload merges the signatures of the uploaded objects into the stored device
// keys or master keys. The objects themselves are not replaced.
func (s *Server) signaturesUpload(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.SignaturesUploadRequest
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	resp := common_models.SignaturesUploadResponse{Failures: make(map[string]map[string]common_models.ErrorResponse)}
	fail := func(userId string, keyId string, message string) {
		if resp.Failures[userId] == nil {
			resp.Failures[userId] = make(map[string]common_models.ErrorResponse)
		}
		resp.Failures[userId][keyId] = common_models.ErrorResponse{ErrCode: common_models.ErrCodeInvalidParam, Error: message}
	}
	changed := utils.Set[string]{}
	for userId, objects := range body {
		u := s.users[userId]
		if u == nil {
			for keyId := range objects {
				fail(userId, keyId, "unknown user")
			}
			continue
		}
		for keyId, raw := range objects {
			var signed struct {
				Signatures common_models.Signatures `json:"signatures"`
			}
			if err := json.Unmarshal(raw, &signed); err != nil {
				fail(userId, keyId, "invalid object")
				continue
			}
			var target *common_models.Signatures
			if d := u.devices[keyId]; d != nil && d.keys != nil {
				target = &d.keys.Signatures
			} else if u.masterKey != nil {
				if _, pub := u.masterKey.PublicKey(); pub == keyId {
					target = &u.masterKey.Signatures
				}
			}
			if target == nil {
				fail(userId, keyId, "unknown key")
				continue
			}
			if *target == nil {
				*target = common_models.Signatures{}
			}
			// only signatures made by the uploader are taken
			for sigKeyId, sig := range signed.Signatures[auth.userId] {
				target.Add(auth.userId, sigKeyId, sig)
			}
			changed.Add(userId)
		}
	}
	for _, userId := range utils.SortedKeys(changed) {
		s.deviceChanges = append(s.deviceChanges, deviceChange{position: s.advance(), userId: userId})
	}
	writeJSON(w, http.StatusOK, resp)
}

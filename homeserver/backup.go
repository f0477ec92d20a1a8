package homeserver

import (
	"github.com/gorilla/mux"
	"github.com/tchap/go-tchap-sdk/common_models"
	"net/http"
	"strconv"
)

type backupVersion struct {
	version   string
	algorithm string
	authData  []byte
	deleted   bool
	etag      int
	// keys maps room id -> session id -> backed up session
	keys map[string]map[string]common_models.KeyBackupData
}

func (v *backupVersion) count() int {
	count := 0
	for _, sessions := range v.keys {
		count += len(sessions)
	}
	return count
}

func (v *backupVersion) result() common_models.KeysVersionResult {
	return common_models.KeysVersionResult{
		Algorithm: v.algorithm,
		AuthData:  v.authData,
		Version:   v.version,
		Count:     v.count(),
		Etag:      strconv.Itoa(v.etag),
	}
}

type userBackups struct {
	versions []*backupVersion
}

func (b *userBackups) latest() *backupVersion {
	for i := len(b.versions) - 1; i >= 0; i-- {
		if !b.versions[i].deleted {
			return b.versions[i]
		}
	}
	return nil
}

func (b *userBackups) get(version string) *backupVersion {
	for _, v := range b.versions {
		if v.version == version && !v.deleted {
			return v
		}
	}
	return nil
}

// isBetterBackupKey tells if candidate should replace current: a verified session wins,
// then a lower first message index, then a shorter forwarding chain.
func isBetterBackupKey(candidate common_models.KeyBackupData, current common_models.KeyBackupData) bool {
	if candidate.IsVerified != current.IsVerified {
		return candidate.IsVerified
	}
	if candidate.FirstMessageIndex != current.FirstMessageIndex {
		return candidate.FirstMessageIndex < current.FirstMessageIndex
	}
	return candidate.ForwardedCount < current.ForwardedCount
}

// backupsOf must be called with lock held.
func (s *Server) backupsOf(userId string) *userBackups {
	b := s.backups[userId]
	if b == nil {
		b = &userBackups{}
		s.backups[userId] = b
	}
	return b
}

func (s *Server) createBackupVersion(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.CreateKeysBackupVersionBody
	if !readJSON(w, r, &body) {
		return
	}
	if body.Algorithm != common_models.AlgorithmMegolmBackup || len(body.AuthData) == 0 {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "unsupported backup algorithm")
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.backupsOf(auth.userId)
	v := &backupVersion{
		version:   strconv.Itoa(len(b.versions) + 1),
		algorithm: body.Algorithm,
		authData:  body.AuthData,
		keys:      make(map[string]map[string]common_models.KeyBackupData),
	}
	b.versions = append(b.versions, v)
	s.logger.Info().Str("user_id", auth.userId).Str("version", v.version).Msg("backup version created")
	writeJSON(w, http.StatusOK, common_models.KeysVersion{Version: v.version})
}

// getBackupVersion returns the given version, or the latest one when the path has none.
func (s *Server) getBackupVersion(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.backupsOf(auth.userId)
	var v *backupVersion
	if version, ok := mux.Vars(r)["version"]; ok {
		v = b.get(version)
	} else {
		v = b.latest()
	}
	if v == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "no current backup version")
		return
	}
	writeJSON(w, http.StatusOK, v.result())
}

func (s *Server) updateBackupVersion(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.CreateKeysBackupVersionBody
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	v := s.backupsOf(auth.userId).get(mux.Vars(r)["version"])
	if v == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown backup version")
		return
	}
	if body.Algorithm != v.algorithm || len(body.AuthData) == 0 {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "algorithm cannot change")
		return
	}
	v.authData = body.AuthData
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteBackupVersion(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	v := s.backupsOf(auth.userId).get(mux.Vars(r)["version"])
	if v == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown backup version")
		return
	}
	v.deleted = true
	v.keys = nil
	writeJSON(w, http.StatusOK, struct{}{})
}

// putBackupKeys only accepts uploads to the latest version, so that clients notice a new backup.
func (s *Server) putBackupKeys(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.KeysBackupData
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.backupsOf(auth.userId)
	version := r.URL.Query().Get("version")
	v := b.get(version)
	if v == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown backup version")
		return
	}
	if latest := b.latest(); latest != v {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"errcode":         common_models.ErrCodeWrongRoomKeys,
			"error":           "wrong backup version",
			"current_version": latest.version,
		})
		return
	}
	changed := false
	for roomId, roomData := range body.Rooms {
		for sessionId, data := range roomData.Sessions {
			if data.SessionData == nil {
				continue
			}
			if v.keys[roomId] == nil {
				v.keys[roomId] = make(map[string]common_models.KeyBackupData)
			}
			if current, ok := v.keys[roomId][sessionId]; ok && !isBetterBackupKey(data, current) {
				continue
			}
			v.keys[roomId][sessionId] = data
			changed = true
		}
	}
	if changed {
		v.etag++
	}
	writeJSON(w, http.StatusOK, common_models.BackupKeysResult{Count: v.count(), Etag: strconv.Itoa(v.etag)})
}

func (s *Server) getBackupKeys(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	v := s.backupsOf(auth.userId).get(r.URL.Query().Get("version"))
	if v == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown backup version")
		return
	}
	resp := common_models.KeysBackupData{Rooms: make(map[string]common_models.RoomKeysBackupData)}
	for roomId, sessions := range v.keys {
		resp.Rooms[roomId] = common_models.RoomKeysBackupData{Sessions: sessions}
	}
	writeJSON(w, http.StatusOK, resp)
}

package homeserver

import (
	"encoding/json"
	"github.com/gorilla/mux"
	"github.com/tchap/go-tchap-sdk/common_models"
	"net/http"
)

// sendToDevice queues one event per target device. "*" targets every device of the user.
// Retrying the same transaction id is a no-op.
func (s *Server) sendToDevice(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	vars := mux.Vars(r)
	var body common_models.SendToDeviceRequest
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	sender := s.users[auth.userId].devices[auth.deviceId]
	if sender == nil {
		writeError(w, http.StatusUnauthorized, common_models.ErrCodeUnknownToken, "device was deleted")
		return
	}
	txnKey := "sendToDevice/" + vars["eventType"] + "/" + vars["txnId"]
	if _, ok := sender.sentTxns[txnKey]; ok {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	sender.sentTxns[txnKey] = ""

	count := 0
	for userId, messages := range body.Messages {
		u := s.users[userId]
		if u == nil {
			continue
		}
		for deviceId, content := range messages {
			var targets []*device
			if deviceId == "*" {
				for _, d := range u.devices {
					targets = append(targets, d)
				}
			} else if d := u.devices[deviceId]; d != nil {
				targets = append(targets, d)
			}
			for _, d := range targets {
				d.toDevice = append(d.toDevice, queuedToDevice{
					position: s.advance(),
					event: common_models.Event{
						Type:    vars["eventType"],
						Sender:  auth.userId,
						Content: json.RawMessage(content),
					},
				})
				count++
			}
		}
	}
	s.logger.Trace().Str("event_type", vars["eventType"]).Int("count", count).Msg("to-device queued")
	writeJSON(w, http.StatusOK, struct{}{})
}

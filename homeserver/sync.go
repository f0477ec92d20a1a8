package homeserver

import (
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"net/http"
	"sort"
	"strconv"
	"time"
)

func sortedEvents(events []*roomEvent) []common_models.Event {
	sort.Slice(events, func(i, j int) bool { return events[i].position < events[j].position })
	return utils.SliceMap(events, func(ev *roomEvent) common_models.Event { return ev.event })
}

var inviteStateTypes = []string{
	common_models.EventTypeRoomCreate,
	common_models.EventTypeRoomName,
	common_models.EventTypeRoomJoinRules,
	common_models.EventTypeRoomEncryption,
	common_models.EventTypeRoomAccessRules,
}

// sharesRoom reports whether two users are both joined or invited in some room. Must be called with lock held.
func (s *Server) sharesRoom(a string, b string) bool {
	if a == b {
		return true
	}
	present := func(m string) bool {
		return m == common_models.MembershipJoin || m == common_models.MembershipInvite
	}
	for _, rm := range s.rooms {
		if present(rm.membershipOf(a)) && present(rm.membershipOf(b)) {
			return true
		}
	}
	return false
}

func (s *Server) everShared(a string, b string) bool {
	for _, rm := range s.rooms {
		if rm.members[a] != nil && rm.members[b] != nil {
			return true
		}
	}
	return false
}

// computeSync builds the response for everything that happened after since. Must be called with lock held.
func (s *Server) computeSync(auth *tokenInfo, since int64) (*common_models.SyncResponse, bool) {
	resp := &common_models.SyncResponse{
		NextBatch: strconv.FormatInt(s.position, 10),
		ToDevice:  common_models.EventList{Events: []common_models.Event{}},
		Rooms: common_models.RoomsSync{
			Join:   make(map[string]common_models.JoinedRoomSync),
			Invite: make(map[string]common_models.InvitedRoomSync),
			Leave:  make(map[string]common_models.LeftRoomSync),
		},
	}
	hasData := false

	if d := s.users[auth.userId].devices[auth.deviceId]; d != nil {
		for _, msg := range d.toDevice {
			if msg.position > since {
				resp.ToDevice.Events = append(resp.ToDevice.Events, msg.event)
				hasData = true
			}
		}
	}

	if since > 0 {
		changed := utils.Set[string]{}
		left := utils.Set[string]{}
		for _, change := range s.deviceChanges {
			if change.position <= since {
				continue
			}
			if s.sharesRoom(auth.userId, change.userId) {
				changed.Add(change.userId)
			} else if s.everShared(auth.userId, change.userId) {
				left.Add(change.userId)
			}
		}
		resp.DeviceLists.Changed = utils.SortedKeys(changed)
		resp.DeviceLists.Left = utils.SortedKeys(left)
		hasData = hasData || len(changed) > 0 || len(left) > 0
	}

	for roomId, rm := range s.rooms {
		m := rm.members[auth.userId]
		if m == nil {
			continue
		}
		switch m.membership {
		case common_models.MembershipJoin:
			var timeline []*roomEvent
			joined := common_models.JoinedRoomSync{
				State:    common_models.EventList{Events: []common_models.Event{}},
				Timeline: common_models.Timeline{Events: []common_models.Event{}},
			}
			if m.joinPos > since {
				joined.State.Events = rm.currentState()
				for _, ev := range rm.events {
					if rm.canSee(auth.userId, ev) {
						timeline = append(timeline, ev)
					}
				}
			} else {
				for _, ev := range rm.events {
					if ev.position > since {
						timeline = append(timeline, ev)
					}
				}
				if len(timeline) == 0 {
					continue
				}
			}
			joined.Timeline.Events = sortedEvents(timeline)
			resp.Rooms.Join[roomId] = joined
			hasData = true
		case common_models.MembershipInvite:
			if m.invitePos <= since {
				continue
			}
			var stripped []*roomEvent
			for _, eventType := range inviteStateTypes {
				if ev := rm.state[stateKeyOf(eventType, "")]; ev != nil {
					stripped = append(stripped, ev)
				}
			}
			if ev := rm.state[stateKeyOf(common_models.EventTypeRoomMember, auth.userId)]; ev != nil {
				stripped = append(stripped, ev)
			}
			resp.Rooms.Invite[roomId] = common_models.InvitedRoomSync{InviteState: common_models.EventList{Events: sortedEvents(stripped)}}
			hasData = true
		default:
			if m.position <= since || since == 0 {
				continue
			}
			var timeline []*roomEvent
			for _, ev := range rm.events {
				if ev.position > since && ev.position <= m.position {
					timeline = append(timeline, ev)
				}
			}
			resp.Rooms.Leave[roomId] = common_models.LeftRoomSync{
				State:    common_models.EventList{Events: []common_models.Event{}},
				Timeline: common_models.Timeline{Events: sortedEvents(timeline)},
			}
			hasData = true
		}
	}
	return resp, hasData
}

// sync is a long poll: it answers as soon as something happened after since, or when
// the timeout expires. Answering with a position acknowledges the to-device messages
// delivered before it.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var since int64
	if value := r.URL.Query().Get("since"); value != "" {
		var err error
		since, err = strconv.ParseInt(value, 10, 64)
		if err != nil || since < 0 {
			writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid since token")
			return
		}
	}
	timeout := time.Duration(0)
	if value := r.URL.Query().Get("timeout"); value != "" {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid timeout")
			return
		}
		timeout = utils.Min(time.Duration(ms)*time.Millisecond, s.options.MaxSyncTimeout)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.lock.Lock()
		if d := s.users[auth.userId].devices[auth.deviceId]; d != nil && since > 0 {
			pending := d.toDevice[:0]
			for _, msg := range d.toDevice {
				if msg.position > since {
					pending = append(pending, msg)
				}
			}
			d.toDevice = pending
		}
		resp, hasData := s.computeSync(auth, since)
		notify := s.notify
		s.lock.Unlock()

		if hasData || since == 0 {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		select {
		case <-notify:
		case <-timer.C:
			writeJSON(w, http.StatusOK, resp)
			return
		case <-r.Context().Done():
			return
		}
	}
}

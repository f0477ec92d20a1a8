package homeserver

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"net/http"
	"strings"
	"time"
)

type roomEvent struct {
	position int64
	event    common_models.Event
}

// membership tracks the positions a user was last invited and joined at, to compute
// which part of the history they can see.
type membership struct {
	membership string
	position   int64
	invitePos  int64
	joinPos    int64
}

type room struct {
	id       string
	events   []*roomEvent
	byId     map[string]*roomEvent
	state    map[string]*roomEvent
	members  map[string]*membership
	txnIndex map[string]string
}

func stateKeyOf(eventType string, stateKey string) string {
	return eventType + "\x00" + stateKey
}

func (rm *room) stateContent(eventType string, stateKey string, v any) bool {
	ev := rm.state[stateKeyOf(eventType, stateKey)]
	if ev == nil {
		return false
	}
	return ev.event.ParseContent(v) == nil
}

func (rm *room) membershipOf(userId string) string {
	if m := rm.members[userId]; m != nil {
		return m.membership
	}
	return common_models.MembershipLeave
}

func (rm *room) historyVisibility() string {
	var content common_models.HistoryVisibilityContent
	if !rm.stateContent(common_models.EventTypeRoomHistoryVisibility, "", &content) {
		return common_models.HistoryVisibilityShared
	}
	return content.HistoryVisibility
}

// visibleFrom returns the first position of the timeline visible to userId, or -1 when
// nothing is visible.
func (rm *room) visibleFrom(userId string) int64 {
	m := rm.members[userId]
	if m == nil || (m.joinPos == 0 && m.membership != common_models.MembershipJoin) {
		return -1
	}
	switch rm.historyVisibility() {
	case common_models.HistoryVisibilityJoined:
		return m.joinPos
	case common_models.HistoryVisibilityInvited:
		if m.invitePos > 0 && m.invitePos < m.joinPos {
			return m.invitePos
		}
		return m.joinPos
	default:
		return 0
	}
}

// visibleUntil is the last visible position for a member who left, or 0 for no bound.
func (rm *room) visibleUntil(userId string) int64 {
	m := rm.members[userId]
	if m == nil || m.membership == common_models.MembershipJoin {
		return 0
	}
	return m.position
}

func (rm *room) canSee(userId string, ev *roomEvent) bool {
	from := rm.visibleFrom(userId)
	if from < 0 || ev.position < from {
		return false
	}
	until := rm.visibleUntil(userId)
	return until == 0 || ev.position <= until
}

func (rm *room) currentState() []common_models.Event {
	var events []*roomEvent
	for _, ev := range rm.state {
		events = append(events, ev)
	}
	return sortedEvents(events)
}

// appendEvent adds an event to the room timeline and state. Must be called with lock held.
func (s *Server) appendEvent(rm *room, sender string, eventType string, stateKey *string, content json.RawMessage) *roomEvent {
	ev := &roomEvent{
		position: s.advance(),
		event: common_models.Event{
			Type:           eventType,
			EventId:        "$" + uuid.NewString(),
			Sender:         sender,
			RoomId:         rm.id,
			StateKey:       stateKey,
			OriginServerTs: time.Now().UnixMilli(),
			Content:        content,
		},
	}
	rm.events = append(rm.events, ev)
	rm.byId[ev.event.EventId] = ev
	if stateKey != nil {
		rm.state[stateKeyOf(eventType, *stateKey)] = ev
	}
	if eventType == common_models.EventTypeRoomMember && stateKey != nil {
		var content common_models.MemberContent
		_ = ev.event.ParseContent(&content)
		m := rm.members[*stateKey]
		if m == nil {
			m = &membership{}
			rm.members[*stateKey] = m
		}
		previous := m.membership
		m.membership = content.Membership
		m.position = ev.position
		switch content.Membership {
		case common_models.MembershipInvite:
			m.invitePos = ev.position
		case common_models.MembershipJoin:
			if previous != common_models.MembershipJoin {
				m.joinPos = ev.position
			}
		}
		// a membership change changes which devices a user shares rooms with
		s.deviceChanges = append(s.deviceChanges, deviceChange{position: ev.position, userId: *stateKey})
	}
	return ev
}

func (s *Server) setMembership(rm *room, sender string, target string, membershipValue string, isDirect bool) *roomEvent {
	return s.appendEvent(rm, sender, common_models.EventTypeRoomMember, common_models.StringPtr(target),
		common_models.NewContent(common_models.MemberContent{Membership: membershipValue, IsDirect: isDirect}))
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.CreateRoomRequest
	if !readJSON(w, r, &body) {
		return
	}
	for _, invitee := range body.Invite {
		if utils.CheckUserId(invitee) != nil {
			writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "invalid invitee "+invitee)
			return
		}
	}
	localPart, err := utils.GenerateRandomId(18)
	if err != nil {
		writeError(w, http.StatusInternalServerError, common_models.ErrCodeUnknown, err.Error())
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for _, invitee := range body.Invite {
		if s.users[invitee] == nil {
			writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown user "+invitee)
			return
		}
	}
	rm := &room{
		id:       "!" + localPart + ":" + s.options.ServerName,
		byId:     make(map[string]*roomEvent),
		state:    make(map[string]*roomEvent),
		members:  make(map[string]*membership),
		txnIndex: make(map[string]string),
	}
	s.rooms[rm.id] = rm
	empty := common_models.StringPtr("")
	s.appendEvent(rm, auth.userId, common_models.EventTypeRoomCreate, empty,
		common_models.NewContent(common_models.RoomCreateContent{Creator: auth.userId, Type: body.CreationContent["type"]}))
	s.setMembership(rm, auth.userId, auth.userId, common_models.MembershipJoin, body.IsDirect)
	joinRule := utils.Ternary(body.Visibility == common_models.RoomVisibilityPublic, common_models.JoinRulePublic, common_models.JoinRuleInvite)
	s.appendEvent(rm, auth.userId, common_models.EventTypeRoomJoinRules, empty,
		common_models.NewContent(common_models.JoinRulesContent{JoinRule: joinRule}))
	s.appendEvent(rm, auth.userId, common_models.EventTypeRoomHistoryVisibility, empty,
		common_models.NewContent(common_models.HistoryVisibilityContent{HistoryVisibility: common_models.HistoryVisibilityShared}))
	if body.Name != "" {
		s.appendEvent(rm, auth.userId, common_models.EventTypeRoomName, empty,
			common_models.NewContent(common_models.RoomNameContent{Name: body.Name}))
	}
	for _, state := range body.InitialState {
		s.appendEvent(rm, auth.userId, state.Type, common_models.StringPtr(state.StateKey), state.Content)
	}
	for _, invitee := range utils.UniqueSlice(body.Invite) {
		if invitee != auth.userId {
			s.setMembership(rm, auth.userId, invitee, common_models.MembershipInvite, body.IsDirect)
		}
	}
	s.logger.Debug().Str("room_id", rm.id).Str("creator", auth.userId).Msg("room created")
	writeJSON(w, http.StatusOK, common_models.CreateRoomResponse{RoomId: rm.id})
}

// lookupRoom answers 404 when the room does not exist. Must be called with lock held.
func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) *room {
	rm := s.rooms[mux.Vars(r)["roomId"]]
	if rm == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown room")
	}
	return rm
}

func (s *Server) requireJoined(w http.ResponseWriter, rm *room, userId string) bool {
	if rm.membershipOf(userId) != common_models.MembershipJoin {
		writeError(w, http.StatusForbidden, common_models.ErrCodeForbidden, userId+" is not in room")
		return false
	}
	return true
}

func (s *Server) invite(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	var body common_models.InviteRequest
	if !readJSON(w, r, &body) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil || !s.requireJoined(w, rm, auth.userId) {
		return
	}
	if utils.ServerNameFromId(body.UserId) != s.options.ServerName {
		writeError(w, http.StatusForbidden, common_models.ErrCodeForbidden, "federation is not supported")
		return
	}
	if s.users[body.UserId] == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown user")
		return
	}
	switch rm.membershipOf(body.UserId) {
	case common_models.MembershipJoin, common_models.MembershipBan:
		writeError(w, http.StatusForbidden, common_models.ErrCodeForbidden, body.UserId+" cannot be invited")
		return
	case common_models.MembershipInvite:
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	var creator common_models.MemberContent
	rm.stateContent(common_models.EventTypeRoomMember, auth.userId, &creator)
	s.setMembership(rm, auth.userId, body.UserId, common_models.MembershipInvite, creator.IsDirect)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	var joinRules common_models.JoinRulesContent
	rm.stateContent(common_models.EventTypeRoomJoinRules, "", &joinRules)
	switch rm.membershipOf(auth.userId) {
	case common_models.MembershipJoin:
	case common_models.MembershipInvite:
		s.setMembership(rm, auth.userId, auth.userId, common_models.MembershipJoin, false)
	default:
		if joinRules.JoinRule != common_models.JoinRulePublic || rm.membershipOf(auth.userId) == common_models.MembershipBan {
			writeError(w, http.StatusForbidden, common_models.ErrCodeForbidden, "you are not invited to this room")
			return
		}
		s.setMembership(rm, auth.userId, auth.userId, common_models.MembershipJoin, false)
	}
	writeJSON(w, http.StatusOK, common_models.JoinRoomResponse{RoomId: rm.id})
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	switch rm.membershipOf(auth.userId) {
	case common_models.MembershipJoin, common_models.MembershipInvite:
		s.setMembership(rm, auth.userId, auth.userId, common_models.MembershipLeave, false)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) sendEvent(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	vars := mux.Vars(r)
	var content json.RawMessage
	if !readJSON(w, r, &content) {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil || !s.requireJoined(w, rm, auth.userId) {
		return
	}
	txnKey := strings.Join([]string{auth.userId, auth.deviceId, vars["txnId"]}, "|")
	if eventId, ok := rm.txnIndex[txnKey]; ok {
		writeJSON(w, http.StatusOK, common_models.SendEventResponse{EventId: eventId})
		return
	}
	ev := s.appendEvent(rm, auth.userId, vars["eventType"], nil, content)
	rm.txnIndex[txnKey] = ev.event.EventId
	writeJSON(w, http.StatusOK, common_models.SendEventResponse{EventId: ev.event.EventId})
}

func (s *Server) sendState(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	vars := mux.Vars(r)
	var content json.RawMessage
	if !readJSON(w, r, &content) {
		return
	}
	if vars["eventType"] == common_models.EventTypeRoomMember {
		writeError(w, http.StatusBadRequest, common_models.ErrCodeInvalidParam, "use the membership endpoints")
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil || !s.requireJoined(w, rm, auth.userId) {
		return
	}
	ev := s.appendEvent(rm, auth.userId, vars["eventType"], common_models.StringPtr(vars["stateKey"]), content)
	writeJSON(w, http.StatusOK, common_models.SendEventResponse{EventId: ev.event.EventId})
}

func (s *Server) members(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil || !s.requireJoined(w, rm, auth.userId) {
		return
	}
	resp := common_models.RoomMembersResponse{Chunk: []common_models.Event{}}
	for _, ev := range rm.currentState() {
		if ev.Type == common_models.EventTypeRoomMember {
			resp.Chunk = append(resp.Chunk, ev)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	ev := rm.byId[mux.Vars(r)["eventId"]]
	if ev == nil || !rm.canSee(auth.userId, ev) {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev.event)
}

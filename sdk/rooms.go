package sdk

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
	"time"
)

var (
	// ErrorUnknownRoom is returned when acting on a room this session does not know
	ErrorUnknownRoom = utils.NewTchapError("UNKNOWN_ROOM", "unknown room")
	// ErrorNotJoined is returned when sending to a room the user has not joined
	ErrorNotJoined = utils.NewTchapError("ROOM_NOT_JOINED", "the user has not joined this room")
	// ErrorSendMessageCount is returned when asking to send less than one message
	ErrorSendMessageCount = utils.NewTchapError("SEND_MESSAGE_COUNT", "at least one message must be sent")
)

const maxTimelineEvents = 500

type RoomMember struct {
	UserId      string `json:"userId"`
	Membership  string `json:"membership"`
	DisplayName string `json:"displayName"`
}

// Room is the local view of a room, built from the sync stream and our own actions.
type Room struct {
	RoomId  string `json:"roomId"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Creator string `json:"creator"`
	// IsDirect comes from our own membership event, or the invite.
	IsDirect bool `json:"isDirect"`
	// Membership is our own membership.
	Membership string `json:"membership"`
	InviterId  string `json:"inviterId"`
	Members    map[string]*RoomMember `json:"members"`

	EncryptionAlgorithm string `json:"encryptionAlgorithm"`
	RotationPeriodMs    int64  `json:"rotationPeriodMs"`
	RotationPeriodMsgs  int    `json:"rotationPeriodMsgs"`
	HistoryVisibility   string `json:"historyVisibility"`
	JoinRule            string `json:"joinRule"`
	AccessRule          string `json:"accessRule"`

	Timeline          []common_models.Event `json:"timeline"`
	NotificationCount int                   `json:"notificationCount"`
	HighlightCount    int                   `json:"highlightCount"`
	// LocalEchoes holds the ids of sent events whose server copy has not come down sync yet.
	LocalEchoes utils.Set[string] `json:"localEchoes,omitempty"`
}

func newRoom(roomId string) *Room {
	return &Room{
		RoomId:     roomId,
		Membership: common_models.MembershipLeave,
		Members:    make(map[string]*RoomMember),
	}
}

func (room *Room) clone() *Room {
	clone := *room
	clone.Members = make(map[string]*RoomMember, len(room.Members))
	for userId, member := range room.Members {
		m := *member
		clone.Members[userId] = &m
	}
	clone.Timeline = append([]common_models.Event(nil), room.Timeline...)
	if room.LocalEchoes != nil {
		clone.LocalEchoes = make(utils.Set[string], len(room.LocalEchoes))
		for eventId := range room.LocalEchoes {
			clone.LocalEchoes.Add(eventId)
		}
	}
	return &clone
}

func (room *Room) IsEncrypted() bool {
	return room.EncryptionAlgorithm != ""
}

func (room *Room) IsSpace() bool {
	return room.Type == common_models.RoomTypeSpace
}

// MemberIds returns the sorted ids of the members with one of the given memberships.
func (room *Room) MemberIds(memberships ...string) []string {
	var result []string
	for _, userId := range utils.SortedKeys(room.Members) {
		if utils.SliceIncludes(memberships, room.Members[userId].Membership) {
			result = append(result, userId)
		}
	}
	return result
}

// LatestEvent returns the last timeline event, or nil.
func (room *Room) LatestEvent() *common_models.Event {
	if len(room.Timeline) == 0 {
		return nil
	}
	ev := room.Timeline[len(room.Timeline)-1]
	return &ev
}

func (room *Room) findEvent(eventId string) *common_models.Event {
	for i := len(room.Timeline) - 1; i >= 0; i-- {
		if room.Timeline[i].EventId == eventId {
			ev := room.Timeline[i]
			return &ev
		}
	}
	return nil
}

// membershipChange is reported by applyState when the membership of another user changed.
type membershipChange struct {
	UserId     string
	Membership string
}

// applyState applies a state event to the room.
func (room *Room) applyState(ev *common_models.Event, myUserId string) *membershipChange {
	if !ev.IsState() {
		return nil
	}
	switch ev.Type {
	case common_models.EventTypeRoomCreate:
		var content common_models.RoomCreateContent
		if ev.ParseContent(&content) == nil {
			room.Creator = content.Creator
			room.Type = content.Type
		}
	case common_models.EventTypeRoomName:
		var content common_models.RoomNameContent
		if ev.ParseContent(&content) == nil {
			room.Name = content.Name
		}
	case common_models.EventTypeRoomEncryption:
		var content common_models.EncryptionContent
		// encryption cannot be turned off or changed once enabled
		if room.EncryptionAlgorithm == "" && ev.ParseContent(&content) == nil && content.Algorithm != "" {
			room.EncryptionAlgorithm = content.Algorithm
			room.RotationPeriodMs = content.RotationPeriodMs
			room.RotationPeriodMsgs = content.RotationPeriodMsgs
		}
	case common_models.EventTypeRoomHistoryVisibility:
		var content common_models.HistoryVisibilityContent
		if ev.ParseContent(&content) == nil {
			room.HistoryVisibility = content.HistoryVisibility
		}
	case common_models.EventTypeRoomJoinRules:
		var content common_models.JoinRulesContent
		if ev.ParseContent(&content) == nil {
			room.JoinRule = content.JoinRule
		}
	case common_models.EventTypeRoomAccessRules:
		var content common_models.RoomAccessRulesContent
		if ev.ParseContent(&content) == nil {
			room.AccessRule = content.Rule
		}
	case common_models.EventTypeRoomMember:
		var content common_models.MemberContent
		if ev.ParseContent(&content) != nil {
			return nil
		}
		userId := *ev.StateKey
		previous := room.Members[userId]
		room.Members[userId] = &RoomMember{UserId: userId, Membership: content.Membership, DisplayName: content.DisplayName}
		if userId == myUserId {
			room.Membership = content.Membership
			if content.Membership == common_models.MembershipInvite {
				room.InviterId = ev.Sender
			}
			if content.Membership == common_models.MembershipInvite || content.Membership == common_models.MembershipJoin {
				room.IsDirect = room.IsDirect || content.IsDirect
			}
			return nil
		}
		if previous == nil || previous.Membership != content.Membership {
			return &membershipChange{UserId: userId, Membership: content.Membership}
		}
	}
	return nil
}

// addLocalEcho appends an event we just sent. Its server copy replaces it when it comes down sync.
func (room *Room) addLocalEcho(ev common_models.Event, myUserId string) {
	if !room.addToTimeline(ev, myUserId) {
		return
	}
	if room.LocalEchoes == nil {
		room.LocalEchoes = utils.Set[string]{}
	}
	room.LocalEchoes.Add(ev.EventId)
}

// removeEvent drops the event eventId from the timeline, and reports whether it was there.
func (room *Room) removeEvent(eventId string) bool {
	for i := len(room.Timeline) - 1; i >= 0; i-- {
		if room.Timeline[i].EventId == eventId {
			room.Timeline = append(room.Timeline[:i], room.Timeline[i+1:]...)
			return true
		}
	}
	return false
}

// addToTimeline appends ev unless it is already there, and counts notifications. The server copy
// of a local echo moves to the position sync gives it.
func (room *Room) addToTimeline(ev common_models.Event, myUserId string) bool {
	if ev.EventId != "" && room.LocalEchoes.Has(ev.EventId) {
		room.LocalEchoes.Remove(ev.EventId)
		if room.removeEvent(ev.EventId) {
			room.Timeline = append(room.Timeline, ev)
			return false
		}
	}
	if ev.EventId != "" && room.findEvent(ev.EventId) != nil {
		return false
	}
	room.Timeline = append(room.Timeline, ev)
	if len(room.Timeline) > maxTimelineEvents {
		room.Timeline = room.Timeline[len(room.Timeline)-maxTimelineEvents:]
	}
	if ev.Sender != myUserId && !ev.IsState() &&
		(ev.Type == common_models.EventTypeRoomMessage || ev.Type == common_models.EventTypeRoomEncrypted) {
		room.NotificationCount++
		var content common_models.RoomMessageContent
		if ev.ParseContent(&content) == nil && content.Body != "" && strings.Contains(content.Body, myUserId) {
			room.HighlightCount++
		}
	}
	return true
}

// CreateRoomParams describes a room to create.
type CreateRoomParams struct {
	Name string
	// Visibility is common_models.RoomVisibilityPrivate (default) or RoomVisibilityPublic.
	Visibility       string
	Invite           []string
	IsDirect         bool
	EnableEncryption bool
	// AccessRule is the Tchap access rule. Defaults to restricted.
	AccessRule string
}

// CreateRoom creates a room, invites the given users and returns the room id.
func (session *Session) CreateRoom(params *CreateRoomParams) (string, error) {
	if err := session.checkSessionState(true); err != nil {
		return "", tracerr.Wrap(err)
	}
	if err := utils.CheckUserIdSlice(params.Invite); err != nil {
		return "", tracerr.Wrap(err)
	}
	if err := utils.CheckSliceUnique(params.Invite); err != nil {
		return "", tracerr.Wrap(err)
	}
	accessRule := params.AccessRule
	if accessRule == "" {
		accessRule = utils.Ternary(params.IsDirect, common_models.RoomAccessRuleDirect, common_models.RoomAccessRuleRestricted)
	}
	request := &common_models.CreateRoomRequest{
		Name:       params.Name,
		Visibility: params.Visibility,
		Invite:     params.Invite,
		IsDirect:   params.IsDirect,
		InitialState: []common_models.StateEvent{{
			Type:    common_models.EventTypeRoomAccessRules,
			Content: common_models.NewContent(common_models.RoomAccessRulesContent{Rule: accessRule}),
		}},
	}
	if params.EnableEncryption {
		request.InitialState = append(request.InitialState, common_models.StateEvent{
			Type:    common_models.EventTypeRoomEncryption,
			Content: common_models.NewContent(common_models.EncryptionContent{Algorithm: common_models.AlgorithmMegolm}),
		})
	}
	resp, err := session.apiClient.createRoom(request)
	if err != nil {
		return "", tracerr.Wrap(err)
	}

	myUserId := session.MyUserId()
	session.storage.rooms.update(resp.RoomId, func(room *Room) {
		room.Creator = myUserId
		room.Name = params.Name
		room.IsDirect = params.IsDirect
		room.AccessRule = accessRule
		if params.EnableEncryption {
			room.EncryptionAlgorithm = common_models.AlgorithmMegolm
		}
	})
	if err = session.refreshMembers(resp.RoomId); err != nil {
		return "", tracerr.Wrap(err)
	}
	session.logger.Info().Str("room_id", resp.RoomId).Bool("encrypted", params.EnableEncryption).Msg("Room created")
	return resp.RoomId, nil
}

// InviteUser invites userId into the room.
func (session *Session) InviteUser(roomId string, userId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	if err := utils.CheckUserId(userId); err != nil {
		return tracerr.Wrap(err)
	}
	if _, err := session.apiClient.invite(&inviteRequest{RoomId: roomId, UserId: userId}); err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(session.refreshMembers(roomId))
}

// JoinRoom joins a room we were invited to, or a public one.
func (session *Session) JoinRoom(roomId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	if err := utils.CheckRoomId(roomId); err != nil {
		return tracerr.Wrap(err)
	}
	if _, err := session.apiClient.join(&roomRequest{RoomId: roomId}); err != nil {
		return tracerr.Wrap(err)
	}
	session.logger.Info().Str("room_id", roomId).Msg("Room joined")
	return tracerr.Wrap(session.refreshMembers(roomId))
}

// LeaveRoom leaves the room. The outbound session of the room is discarded.
func (session *Session) LeaveRoom(roomId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	if _, err := session.apiClient.leave(&roomRequest{RoomId: roomId}); err != nil {
		return tracerr.Wrap(err)
	}
	myUserId := session.MyUserId()
	session.storage.rooms.update(roomId, func(room *Room) {
		room.Membership = common_models.MembershipLeave
		if member := room.Members[myUserId]; member != nil {
			member.Membership = common_models.MembershipLeave
		}
	})
	if err := session.saveRooms(); err != nil {
		return tracerr.Wrap(err)
	}
	return tracerr.Wrap(session.DiscardOutboundSession(roomId))
}

// refreshMembers loads the current member list of a joined room from the homeserver.
func (session *Session) refreshMembers(roomId string) error {
	resp, err := session.apiClient.members(&roomRequest{RoomId: roomId})
	if err != nil {
		return tracerr.Wrap(err)
	}
	changes := session.applyRoomState(roomId, resp.Chunk)
	if err = session.saveRooms(); err != nil {
		return tracerr.Wrap(err)
	}
	session.onMembershipChanges(roomId, changes)
	return nil
}

// applyRoomState applies state events and returns the membership changes of other users.
func (session *Session) applyRoomState(roomId string, events []common_models.Event) []membershipChange {
	myUserId := session.MyUserId()
	var changes []membershipChange
	session.storage.rooms.update(roomId, func(room *Room) {
		for i := range events {
			if change := room.applyState(&events[i], myUserId); change != nil {
				changes = append(changes, *change)
			}
		}
	})
	return changes
}

// onMembershipChanges tracks the devices of new members, and rotates the outbound session
// when someone leaves an encrypted room.
func (session *Session) onMembershipChanges(roomId string, changes []membershipChange) {
	var present []string
	left := false
	for _, change := range changes {
		switch change.Membership {
		case common_models.MembershipJoin, common_models.MembershipInvite:
			present = append(present, change.UserId)
		default:
			left = true
		}
	}
	if len(present) > 0 {
		session.storage.devices.track(present)
	}
	if left {
		if room := session.storage.rooms.get(roomId); room != nil && room.IsEncrypted() {
			if err := session.discardOutbound(roomId); err != nil {
				session.logger.Warn().Err(err).Str("room_id", roomId).Msg("Could not discard outbound session")
			}
		}
	}
}

// GetRoom returns the local view of a room, or nil.
func (session *Session) GetRoom(roomId string) *Room {
	return session.storage.rooms.get(roomId)
}

// GetRooms returns every known room, sorted by room id.
func (session *Session) GetRooms() []*Room {
	return session.storage.rooms.all()
}

// MarkRoomRead resets the notification counts of a room.
func (session *Session) MarkRoomRead(roomId string) error {
	session.storage.rooms.update(roomId, func(room *Room) {
		room.NotificationCount = 0
		room.HighlightCount = 0
	})
	return tracerr.Wrap(session.saveRooms())
}

// GetTimelineEvent returns an event of the room, from the local timeline or else from the homeserver.
func (session *Session) GetTimelineEvent(roomId string, eventId string) (*common_models.Event, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if room := session.storage.rooms.get(roomId); room != nil {
		if ev := room.findEvent(eventId); ev != nil {
			return ev, nil
		}
	}
	ev, err := session.apiClient.getEvent(&getEventRequest{RoomId: roomId, EventId: eventId})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return ev, nil
}

// SendTextMessage sends count text messages to the room, encrypted if the room is, and returns
// the sent events. With more than one message, each body is suffixed with its number.
func (session *Session) SendTextMessage(roomId string, text string, count int) ([]common_models.Event, error) {
	if count < 1 {
		return nil, tracerr.Wrap(ErrorSendMessageCount)
	}
	var sent []common_models.Event
	for i := 1; i <= count; i++ {
		body := text
		if count > 1 {
			body = fmt.Sprintf("%s #%d", text, i)
		}
		ev, err := session.SendEvent(roomId, common_models.EventTypeRoomMessage, common_models.RoomMessageContent{
			MsgType: common_models.MsgTypeText,
			Body:    body,
		})
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		sent = append(sent, *ev)
	}
	return sent, nil
}

// SendEvent sends a room event, encrypting it with the room's outbound session if the room is encrypted.
func (session *Session) SendEvent(roomId string, eventType string, content any) (*common_models.Event, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	room := session.storage.rooms.get(roomId)
	if room == nil {
		return nil, tracerr.Wrap(ErrorUnknownRoom.AddDetails(roomId))
	}
	if room.Membership != common_models.MembershipJoin {
		return nil, tracerr.Wrap(ErrorNotJoined.AddDetails(roomId))
	}

	sentType := eventType
	raw := common_models.NewContent(content)
	if room.IsEncrypted() {
		encrypted, err := session.encryptRoomEvent(room, eventType, raw)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		sentType = common_models.EventTypeRoomEncrypted
		raw = common_models.NewContent(encrypted)
	}
	resp, err := session.apiClient.sendEvent(&sendEventRequest{
		RoomId:        roomId,
		EventType:     sentType,
		TransactionId: uuid.NewString(),
		Content:       raw,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	ev := common_models.Event{
		Type:           sentType,
		EventId:        resp.EventId,
		Sender:         session.MyUserId(),
		RoomId:         roomId,
		OriginServerTs: time.Now().UnixMilli(),
		Content:        json.RawMessage(raw),
	}
	myUserId := session.MyUserId()
	session.storage.rooms.update(roomId, func(room *Room) {
		room.addLocalEcho(ev, myUserId)
	})
	if err = session.saveRooms(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.logger.Debug().Str("room_id", roomId).Str("event_id", resp.EventId).Str("type", sentType).Msg("Event sent")
	return &ev, nil
}

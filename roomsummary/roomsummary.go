// Package roomsummary maps the local rooms of a session to the rows of a room list.
package roomsummary

import (
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/config"
	"github.com/tchap/go-tchap-sdk/sdk"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/exp/slices"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"strings"
)

var (
	// ErrorNoUserId is returned when building a room list without knowing the current user
	ErrorNoUserId = utils.NewTchapError("ROOMSUMMARY_NO_USER_ID", "the current user id is required")
)

// RoomAccess is the badge shown next to the room name.
type RoomAccess string

const (
	RoomAccessDirect   RoomAccess = "direct"
	RoomAccessPrivate  RoomAccess = "private"
	RoomAccessExternal RoomAccess = "external"
	RoomAccessForum    RoomAccess = "forum"
	RoomAccessUnknown  RoomAccess = "unknown"
)

const (
	EncryptedPreview = "Encrypted message"
	previewMaxLength = 140
)

type RoomSummary struct {
	RoomId             string
	DisplayName        string
	IsDirect           bool
	IsEncrypted        bool
	Membership         string
	InviterId          string
	LatestEventPreview string
	LatestEventTs      int64
	NotificationCount  int
	HighlightCount     int
	RoomAccess         RoomAccess
}

// EventDecryptor opens encrypted events for the preview. *sdk.Session implements it.
type EventDecryptor interface {
	TryDecryptEvent(event *common_models.Event, timeline string) *sdk.DecryptionResult
}

// Options holds what BuildRoomList needs besides the rooms.
type Options struct {
	MyUserId         string
	Config           *config.Config
	FallbackProvider DisplayNameFallbackProvider
	// Decryptor is optional. Without it, encrypted events preview as EncryptedPreview.
	Decryptor EventDecryptor
}

// New builds the summary of one room, as seen by myUserId. decryptor may be nil.
func New(room *sdk.Room, myUserId string, provider DisplayNameFallbackProvider, decryptor EventDecryptor) *RoomSummary {
	if provider == nil {
		provider = DefaultFallbackProvider{}
	}
	summary := &RoomSummary{
		RoomId:            room.RoomId,
		DisplayName:       DisplayName(room, myUserId, provider),
		IsDirect:          room.IsDirect,
		IsEncrypted:       room.IsEncrypted(),
		Membership:        room.Membership,
		InviterId:         room.InviterId,
		NotificationCount: room.NotificationCount,
		HighlightCount:    room.HighlightCount,
		RoomAccess:        Access(room),
	}
	if latest := room.LatestEvent(); latest != nil {
		summary.LatestEventPreview = preview(latest, decryptor)
		summary.LatestEventTs = latest.OriginServerTs
	}
	return summary
}

// BuildRoomList returns the summaries of the rooms to show, the most recently active first.
// Rooms the user left are skipped, and so are spaces unless the config shows them.
func BuildRoomList(rooms []*sdk.Room, options *Options) ([]*RoomSummary, error) {
	if options.MyUserId == "" {
		return nil, tracerr.Wrap(ErrorNoUserId)
	}
	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	result := make([]*RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if room.Membership != common_models.MembershipJoin && room.Membership != common_models.MembershipInvite {
			continue
		}
		if room.IsSpace() && !cfg.ShowSpaces {
			continue
		}
		result = append(result, New(room, options.MyUserId, options.FallbackProvider, options.Decryptor))
	}
	slices.SortStableFunc(result, func(a, b *RoomSummary) int {
		// invites first
		aInvite := a.Membership == common_models.MembershipInvite
		bInvite := b.Membership == common_models.MembershipInvite
		if aInvite != bInvite {
			return utils.Ternary(aInvite, -1, 1)
		}
		if a.LatestEventTs != b.LatestEventTs {
			return utils.Ternary(a.LatestEventTs > b.LatestEventTs, -1, 1)
		}
		return strings.Compare(a.RoomId, b.RoomId)
	})
	return result, nil
}

// Access maps the access rule and join rule of the room to its badge.
func Access(room *sdk.Room) RoomAccess {
	if room.JoinRule == common_models.JoinRulePublic {
		return RoomAccessForum
	}
	if room.IsDirect {
		return RoomAccessDirect
	}
	switch room.AccessRule {
	case common_models.RoomAccessRuleDirect:
		return RoomAccessDirect
	case common_models.RoomAccessRuleRestricted:
		return RoomAccessPrivate
	case common_models.RoomAccessRuleUnrestricted:
		return RoomAccessExternal
	}
	return RoomAccessUnknown
}

// memberName is the display name of a member, or its user id.
func memberName(member *sdk.RoomMember) string {
	if member.DisplayName != "" {
		return member.DisplayName
	}
	return member.UserId
}

// DisplayName computes the name of the room: its own name, the inviter for an invite,
// or a name made of the other members.
func DisplayName(room *sdk.Room, myUserId string, provider DisplayNameFallbackProvider) string {
	if room.Name != "" {
		if room.IsDirect {
			return StripDomain(room.Name)
		}
		return room.Name
	}
	if room.Membership == common_models.MembershipInvite {
		if inviter := room.Members[room.InviterId]; inviter != nil {
			return StripDomain(memberName(inviter))
		}
		if room.InviterId != "" {
			return room.InviterId
		}
		return provider.NameForRoomInvite()
	}

	var active []string
	var left []string
	for _, userId := range utils.SortedKeys(room.Members) {
		if userId == myUserId {
			continue
		}
		member := room.Members[userId]
		switch member.Membership {
		case common_models.MembershipJoin, common_models.MembershipInvite:
			active = append(active, StripDomain(memberName(member)))
		case common_models.MembershipLeave:
			left = append(left, StripDomain(memberName(member)))
		}
	}
	sortNames(active)
	sortNames(left)

	switch len(active) {
	case 0:
		return provider.NameForEmptyRoom(room.IsDirect, left)
	case 1:
		return provider.NameFor1Member(active[0])
	case 2:
		return provider.NameFor2Members(active[0], active[1])
	case 3:
		return provider.NameFor3Members(active[0], active[1], active[2])
	case 4:
		return provider.NameFor4Members(active[0], active[1], active[2], active[3])
	default:
		return provider.NameFor4MembersAndMore(active[0], active[1], active[2], len(active)-3)
	}
}

// StripDomain removes the "[domain]" suffix Tchap adds to display names.
func StripDomain(displayName string) string {
	if i := strings.LastIndex(displayName, " ["); i > 0 && strings.HasSuffix(displayName, "]") {
		return displayName[:i]
	}
	return displayName
}

func sortNames(names []string) {
	collate.New(language.French, collate.IgnoreCase, collate.IgnoreDiacritics).SortStrings(names)
}

func preview(ev *common_models.Event, decryptor EventDecryptor) string {
	switch ev.Type {
	case common_models.EventTypeRoomEncrypted:
		if decryptor == nil {
			return EncryptedPreview
		}
		// the room summary is not a timeline: no replay check
		result := decryptor.TryDecryptEvent(ev, "")
		if result == nil || result.ClearEvent.Type == common_models.EventTypeRoomEncrypted {
			return EncryptedPreview
		}
		return preview(&result.ClearEvent, nil)
	case common_models.EventTypeRoomMessage:
		var content common_models.RoomMessageContent
		if ev.ParseContent(&content) != nil {
			return ""
		}
		body := []rune(strings.TrimSpace(content.Body))
		if len(body) > previewMaxLength {
			return string(body[:previewMaxLength]) + "…"
		}
		return string(body)
	}
	return ""
}

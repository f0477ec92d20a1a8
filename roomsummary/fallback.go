package roomsummary

import (
	"fmt"
)

// DisplayNameFallbackProvider names rooms that have no name of their own.
type DisplayNameFallbackProvider interface {
	NameForRoomInvite() string
	NameForEmptyRoom(isDirect bool, leftMemberNames []string) string
	NameFor1Member(name string) string
	NameFor2Members(name1 string, name2 string) string
	NameFor3Members(name1 string, name2 string, name3 string) string
	NameFor4Members(name1 string, name2 string, name3 string, name4 string) string
	NameFor4MembersAndMore(name1 string, name2 string, name3 string, remainingCount int) string
}

// DefaultFallbackProvider gives the English names.
type DefaultFallbackProvider struct{}

func (DefaultFallbackProvider) NameForRoomInvite() string {
	return "Room Invite"
}

func (p DefaultFallbackProvider) NameForEmptyRoom(isDirect bool, leftMemberNames []string) string {
	if isDirect && len(leftMemberNames) > 0 {
		return p.NameFor1Member(leftMemberNames[0])
	}
	return "Empty room"
}

func (DefaultFallbackProvider) NameFor1Member(name string) string {
	return name
}

func (DefaultFallbackProvider) NameFor2Members(name1 string, name2 string) string {
	return fmt.Sprintf("%s and %s", name1, name2)
}

func (DefaultFallbackProvider) NameFor3Members(name1 string, name2 string, name3 string) string {
	return fmt.Sprintf("%s, %s and %s", name1, name2, name3)
}

func (DefaultFallbackProvider) NameFor4Members(name1 string, name2 string, name3 string, name4 string) string {
	return fmt.Sprintf("%s, %s, %s and %s", name1, name2, name3, name4)
}

func (DefaultFallbackProvider) NameFor4MembersAndMore(name1 string, name2 string, name3 string, remainingCount int) string {
	if remainingCount == 1 {
		return fmt.Sprintf("%s, %s, %s and 1 other", name1, name2, name3)
	}
	return fmt.Sprintf("%s, %s, %s and %d others", name1, name2, name3, remainingCount)
}

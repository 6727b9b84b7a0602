package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// djPermissions are guild permissions that count as the DJ role.
const djPermissions = discordgo.PermissionAdministrator | discordgo.PermissionManageChannels

// PermissionChecker decides who may edit a channel's queue.
//
// A DJ holds the configured role or can manage the guild's channels. A
// listener who is not a DJ may still remove the tracks they requested.
type PermissionChecker struct {
	djRoleID string
}

// NewPermissionChecker creates a PermissionChecker for the given DJ role.
// An empty role makes every guild member a DJ.
func NewPermissionChecker(djRoleID string) *PermissionChecker {
	return &PermissionChecker{djRoleID: djRoleID}
}

// IsDJ reports whether the interaction author is a DJ. Interactions outside
// a guild have no member and never are.
func (p *PermissionChecker) IsDJ(i *discordgo.InteractionCreate) bool {
	m := i.Member
	switch {
	case m == nil:
		return false
	case p.djRoleID == "", m.Permissions&djPermissions != 0:
		return true
	default:
		return slices.Contains(m.Roles, p.djRoleID)
	}
}

// CanRemove reports whether the interaction author may remove an entry
// queued by requesterID.
func (p *PermissionChecker) CanRemove(i *discordgo.InteractionCreate, requesterID string) bool {
	if p.IsDJ(i) {
		return true
	}
	return requesterID != "" && i.Member.User != nil && i.Member.User.ID == requesterID
}

// chatbroker - A multi-branch chat gateway message broker.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package visibility decides which branches may see or act on an account's
// conversations. Every function here is pure; callers load the rows.
package visibility

import (
	"slices"

	"github.com/lrhodin/chatbroker/pkg/database"
)

type Capability string

const (
	CapSendMessage          Capability = "send_message"
	CapViewAllFriends       Capability = "view_all_friends"
	CapViewAllGroups        Capability = "view_all_groups"
	CapViewAllConversations Capability = "view_all_conversations"
)

const (
	RoleSuperAdmin = "super-admin"

	PermAllConversationManagement = "messaging.all_conversation_management"
)

// systemPermissions maps a capability to the permission that grants it across
// every branch.
var systemPermissions = map[Capability]string{
	CapSendMessage:          "messaging.send_all_branches",
	CapViewAllFriends:       "messaging.view_all_branches_friends",
	CapViewAllGroups:        "messaging.view_all_branches_groups",
	CapViewAllConversations: "messaging.view_all_branches_conversations",
}

// SystemPermission returns the organization-wide permission for c.
func SystemPermission(c Capability) string {
	return systemPermissions[c]
}

// Principal is the organization user a request acts for.
type Principal struct {
	UserID       int64
	Roles        []string
	Permissions  []string
	BranchID     *int64
	DepartmentID *int64
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func (p Principal) HasPermission(perm string) bool {
	return perm != "" && slices.Contains(p.Permissions, perm)
}

// SeesEverything is true for users whose visibility is never narrowed by branch.
func (p Principal) SeesEverything() bool {
	return p.HasRole(RoleSuperAdmin) ||
		p.HasPermission(PermAllConversationManagement) ||
		p.HasPermission(systemPermissions[CapViewAllConversations])
}

// CanView evaluates whether user may use capability on account. grants are
// the account's explicit access rows; other accounts' rows are ignored.
func CanView(user Principal, account *database.Account, grants []*database.BranchAccess, capability Capability) bool {
	switch {
	case user.HasRole(RoleSuperAdmin):
		return true
	case user.HasPermission(systemPermissions[capability]):
		return true
	case user.HasPermission(PermAllConversationManagement):
		return true
	case user.BranchID == nil && account.HomeBranchID == nil:
		return true
	case user.BranchID != nil && account.HomeBranchID != nil && *user.BranchID == *account.HomeBranchID:
		return true
	}
	if user.BranchID == nil {
		return false
	}
	grant := findGrant(grants, account.ID, *user.BranchID)
	if grant == nil {
		return false
	}
	return allows(grant, capability)
}

func findGrant(grants []*database.BranchAccess, accountID, branchID int64) *database.BranchAccess {
	for _, g := range grants {
		if g.AccountID == accountID && g.BranchID == branchID {
			return g
		}
	}
	return nil
}

// allows reads the capability flag of an explicit access row. An owner row
// carries every capability.
func allows(grant *database.BranchAccess, capability Capability) bool {
	if grant.Role == database.RoleOwner {
		return true
	}
	switch capability {
	case CapSendMessage:
		return grant.CanSendMessage
	case CapViewAllFriends:
		return grant.ViewAllFriends
	case CapViewAllGroups:
		return grant.ViewAllGroups
	case CapViewAllConversations:
		return grant.ViewAllConversations
	default:
		return false
	}
}

// ConversationVisible applies the per-conversation scope on top of account
// access. Unassigned conversations are visible to everyone with access to
// the account. Once a branch claims one, only that branch, its creator,
// assigned users and the owning department still see it.
func ConversationVisible(user Principal, conv *database.Conversation) bool {
	if user.SeesEverything() {
		return true
	}
	switch {
	case conv.AssignedBranchID == nil:
		return true
	case user.BranchID != nil && *conv.AssignedBranchID == *user.BranchID:
		return true
	case conv.CreatedBy != nil && *conv.CreatedBy == user.UserID:
		return true
	case slices.Contains(conv.AssignedUsers, user.UserID):
		return true
	case user.DepartmentID != nil && conv.DepartmentID != nil && *user.DepartmentID == *conv.DepartmentID:
		return true
	}
	return false
}

// FanoutBranches returns the branches that must hear about an update to conv.
// An unassigned conversation goes to every branch with access to any account
// sharing the gateway identity; an assigned one only to its branch.
func FanoutBranches(conv *database.Conversation, accounts []*database.Account, grants []*database.BranchAccess) []int64 {
	if conv.AssignedBranchID != nil {
		return []int64{*conv.AssignedBranchID}
	}
	var out []int64
	for _, acc := range accounts {
		if acc.HomeBranchID != nil && !slices.Contains(out, *acc.HomeBranchID) {
			out = append(out, *acc.HomeBranchID)
		}
		for _, g := range grants {
			if g.AccountID == acc.ID && !slices.Contains(out, g.BranchID) {
				out = append(out, g.BranchID)
			}
		}
	}
	slices.Sort(out)
	return out
}

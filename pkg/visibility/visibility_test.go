package visibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatbroker/pkg/database"
)

func TestCanView(t *testing.T) {
	home := &database.Account{ID: 1, HomeBranchID: ptr.Ptr[int64](10)}
	global := &database.Account{ID: 2}
	grants := []*database.BranchAccess{
		{AccountID: 1, BranchID: 20, Role: database.RoleShared, ViewAllConversations: false, CanSendMessage: true},
		{AccountID: 1, BranchID: 30, Role: database.RoleShared, ViewAllConversations: true},
		{AccountID: 1, BranchID: 40, Role: database.RoleOwner},
	}

	tests := []struct {
		name    string
		user    Principal
		account *database.Account
		cap     Capability
		want    bool
	}{
		{"super admin", Principal{Roles: []string{RoleSuperAdmin}, BranchID: ptr.Ptr[int64](99)}, home, CapViewAllConversations, true},
		{"system permission", Principal{Permissions: []string{"messaging.view_all_branches_conversations"}, BranchID: ptr.Ptr[int64](99)}, home, CapViewAllConversations, true},
		{"system permission is per capability", Principal{Permissions: []string{"messaging.view_all_branches_friends"}, BranchID: ptr.Ptr[int64](99)}, home, CapViewAllConversations, false},
		{"blanket management", Principal{Permissions: []string{PermAllConversationManagement}, BranchID: ptr.Ptr[int64](99)}, home, CapSendMessage, true},
		{"no branch on global account", Principal{}, global, CapViewAllConversations, true},
		{"no branch on owned account", Principal{}, home, CapViewAllConversations, false},
		{"home branch without row", Principal{BranchID: ptr.Ptr[int64](10)}, home, CapViewAllConversations, true},
		{"shared row flag false", Principal{BranchID: ptr.Ptr[int64](20)}, home, CapViewAllConversations, false},
		{"shared row other flag true", Principal{BranchID: ptr.Ptr[int64](20)}, home, CapSendMessage, true},
		{"shared row flag true", Principal{BranchID: ptr.Ptr[int64](30)}, home, CapViewAllConversations, true},
		{"owner row", Principal{BranchID: ptr.Ptr[int64](40)}, home, CapViewAllGroups, true},
		{"unrelated branch", Principal{BranchID: ptr.Ptr[int64](50)}, home, CapViewAllFriends, false},
		{"branch on global account without row", Principal{BranchID: ptr.Ptr[int64](50)}, global, CapViewAllFriends, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanView(tt.user, tt.account, grants, tt.cap))
		})
	}
}

func TestConversationVisible(t *testing.T) {
	user := Principal{UserID: 7, BranchID: ptr.Ptr[int64](20), DepartmentID: ptr.Ptr[int64](3)}

	assert.True(t, ConversationVisible(user, &database.Conversation{}), "unassigned is visible")
	assert.True(t, ConversationVisible(user, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](20)}))
	assert.False(t, ConversationVisible(user, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](10)}))
	assert.True(t, ConversationVisible(Principal{Roles: []string{RoleSuperAdmin}}, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](10)}))
	assert.True(t, ConversationVisible(user, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](10), AssignedUsers: []int64{7}}))
	assert.True(t, ConversationVisible(user, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](10), CreatedBy: ptr.Ptr[int64](7)}))
	assert.True(t, ConversationVisible(user, &database.Conversation{AssignedBranchID: ptr.Ptr[int64](10), DepartmentID: ptr.Ptr[int64](3)}))
}

func TestFanout(t *testing.T) {
	accounts := []*database.Account{
		{ID: 1, HomeBranchID: ptr.Ptr[int64](10)},
		{ID: 2, HomeBranchID: ptr.Ptr[int64](20)},
	}
	grants := []*database.BranchAccess{
		{AccountID: 1, BranchID: 30},
		{AccountID: 2, BranchID: 10},
	}

	unassigned := &database.Conversation{AccountID: 1}
	assert.Equal(t, []int64{10, 20, 30}, FanoutBranches(unassigned, accounts, grants))

	assigned := &database.Conversation{AccountID: 1, AssignedBranchID: ptr.Ptr[int64](30)}
	assert.Equal(t, []int64{30}, FanoutBranches(assigned, accounts, grants))

	accounts[0].HomeBranchID = nil
	assert.Equal(t, []int64{10, 20, 30}, FanoutBranches(unassigned, accounts, grants), "global account adds no branch of its own")
}

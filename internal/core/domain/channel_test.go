package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFullName(t *testing.T) {
	orgChannel := &Channel{Name: "general", Type: ChannelOrganization, OrganizationID: "org-1"}
	assert.Equal(t, "org:org-1:general", orgChannel.FullName())

	userChannel := &Channel{Name: "inbox", Type: ChannelUser, OrganizationID: "org-1", UserID: "user-7"}
	assert.Equal(t, "user:org-1:user-7:inbox", userChannel.FullName())
}

func TestParseChannelName_RoundTrip(t *testing.T) {
	for _, fullName := range []string{
		"org:org-1:general",
		"metric:org-2:metrics",
		"user:org-1:user-7:inbox",
		"admin:org-3:admin",
	} {
		ch, err := ParseChannelName(fullName)
		require.NoError(t, err, fullName)
		assert.Equal(t, fullName, ch.FullName())
	}
}

func TestParseChannelName_Invalid(t *testing.T) {
	cases := map[string]string{
		"too few segments":             "org:general",
		"too many segments":            "org:org-1:extra:x:general",
		"unknown type":                 "topic:org-1:general",
		"user channel without user":    "user:org-1:inbox",
		"non-user channel with user":   "org:org-1:user-7:general",
		"empty organization":           "org::general",
		"empty name":                   "org:org-1:",
	}
	for label, fullName := range cases {
		_, err := ParseChannelName(fullName)
		assert.Error(t, err, label)
	}
}

func TestHasRequiredRoles(t *testing.T) {
	open := &Channel{Name: "general", Type: ChannelOrganization, OrganizationID: "org-1"}
	assert.True(t, open.HasRequiredRoles(nil))

	gated := &Channel{
		Name:           "admin",
		Type:           ChannelAdmin,
		OrganizationID: "org-1",
		RequiredRoles:  map[string]struct{}{"admin": {}, "operator": {}},
	}
	assert.False(t, gated.HasRequiredRoles(nil))
	assert.False(t, gated.HasRequiredRoles(map[string]struct{}{"viewer": {}}))
	assert.True(t, gated.HasRequiredRoles(map[string]struct{}{"viewer": {}, "operator": {}}))
}

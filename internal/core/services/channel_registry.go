package services

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

// ChannelRegistry owns tenant-scoped channels and their subscription
// index. It performs no I/O; every operation is a short critical section.
type ChannelRegistry struct {
	mu sync.RWMutex

	// channels maps full name to channel definition.
	channels map[string]*domain.Channel

	// subscriptions maps organization -> user -> set of channel full names.
	// The registry records which channels a user asked for; connection
	// ownership stays with the transport managers.
	subscriptions map[string]map[string]map[string]struct{}

	logger *slog.Logger
}

// Ensure ChannelRegistry implements the registry port.
var _ ports.ChannelRegistry = (*ChannelRegistry)(nil)

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry(logger *slog.Logger) *ChannelRegistry {
	return &ChannelRegistry{
		channels:      make(map[string]*domain.Channel),
		subscriptions: make(map[string]map[string]map[string]struct{}),
		logger:        logger.With("component", "channel_registry"),
	}
}

// CreateChannel registers a channel, idempotently by full name. Calling
// again with the same identity returns the existing channel; a conflicting
// RequiredRoles set on an existing channel is logged and ignored so the
// access rules of a live channel never silently widen.
func (r *ChannelRegistry) CreateChannel(
	name string,
	channelType domain.ChannelType,
	organizationID, userID string,
	requiredRoles []string,
) (*domain.Channel, error) {
	if organizationID == "" {
		return nil, apperrors.ErrOrganizationRequired
	}
	if name == "" {
		return nil, apperrors.ErrInvalidChannelName
	}
	if !channelType.Valid() {
		return nil, apperrors.ErrInvalidChannelType
	}
	if channelType == domain.ChannelUser && userID == "" {
		return nil, apperrors.ErrInvalidChannelName
	}

	candidate := &domain.Channel{
		Name:           name,
		Type:           channelType,
		OrganizationID: organizationID,
		UserID:         userID,
		RequiredRoles:  roleSet(requiredRoles),
		CreatedAt:      time.Now().UTC(),
	}
	fullName := candidate.FullName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels[fullName]; ok {
		if !sameRoleSet(existing.RequiredRoles, candidate.RequiredRoles) {
			r.logger.Warn("ignoring conflicting required_roles for existing channel",
				"channel", fullName,
			)
		}
		return existing, nil
	}

	r.channels[fullName] = candidate
	return candidate, nil
}

// CanAccessChannel answers whether the caller may subscribe to or publish
// on a channel. Cross-tenant access is always denied regardless of roles.
// Unknown channels are judged by their parsed identity so that a channel
// can be created lazily by its first subscriber.
func (r *ChannelRegistry) CanAccessChannel(fullName, organizationID, userID string, roles map[string]struct{}) bool {
	if organizationID == "" {
		return false
	}

	r.mu.RLock()
	ch, ok := r.channels[fullName]
	r.mu.RUnlock()

	if !ok {
		parsed, err := domain.ParseChannelName(fullName)
		if err != nil {
			return false
		}
		ch = parsed
		// A channel that does not exist yet carries its type's default
		// gate: admin channels stay admin-only even before creation.
		if ch.Type == domain.ChannelAdmin {
			ch.RequiredRoles = roleSet([]string{"admin"})
		}
	}

	if ch.OrganizationID != organizationID {
		return false
	}
	if ch.Type == domain.ChannelUser && ch.UserID != userID {
		return false
	}
	return ch.HasRequiredRoles(roles)
}

// SubscribeUser partitions the requested channels into subscribed and
// denied by applying CanAccessChannel to each. It never fails; callers
// must inspect denied. Channels that pass the check are materialized if
// they did not exist yet. roles carries the caller's role set; nil means
// an unprivileged caller.
func (r *ChannelRegistry) SubscribeUser(organizationID, userID string, roles map[string]struct{}, channels []string) (subscribed, denied []string) {
	subscribed = make([]string, 0, len(channels))
	denied = make([]string, 0)

	for _, fullName := range channels {
		if !r.CanAccessChannel(fullName, organizationID, userID, roles) {
			denied = append(denied, fullName)
			continue
		}
		r.materialize(fullName)
		r.recordSubscription(organizationID, userID, fullName)
		subscribed = append(subscribed, fullName)
	}
	return subscribed, denied
}

// UnsubscribeUser drops the given channels from the user's subscription
// record and returns the ones that were actually removed.
func (r *ChannelRegistry) UnsubscribeUser(organizationID, userID string, channels []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]string, 0, len(channels))
	users, ok := r.subscriptions[organizationID]
	if !ok {
		return removed
	}
	subs, ok := users[userID]
	if !ok {
		return removed
	}
	for _, fullName := range channels {
		if _, ok := subs[fullName]; ok {
			delete(subs, fullName)
			removed = append(removed, fullName)
		}
	}
	if len(subs) == 0 {
		delete(users, userID)
	}
	return removed
}

// GetUserSubscriptions returns the channels a user is subscribed to,
// sorted for stable output.
func (r *ChannelRegistry) GetUserSubscriptions(organizationID, userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.subscriptions[organizationID]
	if !ok {
		return nil
	}
	subs, ok := users[userID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(subs))
	for fullName := range subs {
		out = append(out, fullName)
	}
	sort.Strings(out)
	return out
}

// CreateDefaultChannels bootstraps the standard channel set for a newly
// onboarded organization. Idempotent.
func (r *ChannelRegistry) CreateDefaultChannels(organizationID string) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}

	defaults := []struct {
		name  string
		kind  domain.ChannelType
		roles []string
	}{
		{"general", domain.ChannelOrganization, nil},
		{"metrics", domain.ChannelMetric, nil},
		{"alerts", domain.ChannelAlert, nil},
		{"admin", domain.ChannelAdmin, []string{"admin"}},
		{"logs", domain.ChannelLog, []string{"admin", "developer"}},
	}

	for _, d := range defaults {
		if _, err := r.CreateChannel(d.name, d.kind, organizationID, "", d.roles); err != nil {
			return err
		}
	}
	return nil
}

// GetOrganizationStats returns a snapshot of the registry for one tenant.
func (r *ChannelRegistry) GetOrganizationStats(organizationID string) domain.OrganizationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.OrganizationStats{ChannelNames: []string{}}
	for fullName, ch := range r.channels {
		if ch.OrganizationID == organizationID {
			stats.TotalChannels++
			stats.ChannelNames = append(stats.ChannelNames, fullName)
		}
	}
	sort.Strings(stats.ChannelNames)
	return stats
}

// ChannelsForOrganization returns the full names of every channel owned by
// the organization. Used by org-wide broadcast fan-out.
func (r *ChannelRegistry) ChannelsForOrganization(organizationID string) []string {
	stats := r.GetOrganizationStats(organizationID)
	return stats.ChannelNames
}

// materialize ensures a lazily referenced channel exists in the registry.
func (r *ChannelRegistry) materialize(fullName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[fullName]; ok {
		return
	}
	parsed, err := domain.ParseChannelName(fullName)
	if err != nil {
		return
	}
	parsed.CreatedAt = time.Now().UTC()
	if parsed.Type == domain.ChannelAdmin {
		parsed.RequiredRoles = roleSet([]string{"admin"})
	}
	r.channels[fullName] = parsed
}

func (r *ChannelRegistry) recordSubscription(organizationID, userID, fullName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.subscriptions[organizationID]
	if !ok {
		users = make(map[string]map[string]struct{})
		r.subscriptions[organizationID] = users
	}
	subs, ok := users[userID]
	if !ok {
		subs = make(map[string]struct{})
		users[userID] = subs
	}
	subs[fullName] = struct{}{}
}

func roleSet(roles []string) map[string]struct{} {
	if len(roles) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}

func sameRoleSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for role := range a {
		if _, ok := b[role]; !ok {
			return false
		}
	}
	return true
}

package subscription

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownTargetGroup   = errors.New("unknown target group")
	ErrTargetGroupNeedsType = errors.New("target group requires a subscription type id")
)

// TargetGroup names an audience for broadcasts.
type TargetGroup string

const (
	GroupAllUsers                TargetGroup = "all_users"
	GroupNoSubscription          TargetGroup = "no_subscription"
	GroupActiveSubscribers       TargetGroup = "active_subscribers"
	GroupExpiredSubscribers      TargetGroup = "expired_subscribers"
	GroupSubscriptionTypeActive  TargetGroup = "subscription_type_active"
	GroupSubscriptionTypeExpired TargetGroup = "subscription_type_expired"
)

// TargetGroups lists every recognized group.
func TargetGroups() []TargetGroup {
	return []TargetGroup{
		GroupAllUsers,
		GroupNoSubscription,
		GroupActiveSubscribers,
		GroupExpiredSubscribers,
		GroupSubscriptionTypeActive,
		GroupSubscriptionTypeExpired,
	}
}

// NeedsSubscriptionType reports whether the group is scoped to one type.
func (g TargetGroup) NeedsSubscriptionType() bool {
	return g == GroupSubscriptionTypeActive || g == GroupSubscriptionTypeExpired
}

// Validate rejects unknown groups and type-scoped groups without a type id.
func (g TargetGroup) Validate(subscriptionTypeID *int64) error {
	known := false
	for _, tg := range TargetGroups() {
		if g == tg {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownTargetGroup, string(g))
	}
	if g.NeedsSubscriptionType() && (subscriptionTypeID == nil || *subscriptionTypeID <= 0) {
		return fmt.Errorf("%w: %s", ErrTargetGroupNeedsType, g)
	}
	return nil
}

// AudienceResolver returns the users belonging to a target group.
type AudienceResolver interface {
	Resolve(ctx context.Context, group TargetGroup, subscriptionTypeID *int64) ([]*Subscriber, error)
}

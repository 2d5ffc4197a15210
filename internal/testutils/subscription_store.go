package testutils

import (
	"context"
	"sync"
	"time"

	"subscription_bot/internal/domain/subscription"
)

// SubscriptionStore is an in-memory subscription.Repository and
// subscription.AudienceResolver.
type SubscriptionStore struct {
	mu sync.Mutex

	ActiveByType map[int64][]*subscription.Subscriber
	Audiences    map[subscription.TargetGroup][]*subscription.Subscriber
	UserIDs      []int64
	ChannelTypes map[int64]int64
	Channels     []subscription.Channel

	Scheduled   map[int64]map[int64]time.Time
	ScheduleErr map[int64]error
	LoadErr     error
	UserIDsErr  error
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		ActiveByType: make(map[int64][]*subscription.Subscriber),
		Audiences:    make(map[subscription.TargetGroup][]*subscription.Subscriber),
		ChannelTypes: make(map[int64]int64),
		Scheduled:    make(map[int64]map[int64]time.Time),
		ScheduleErr:  make(map[int64]error),
	}
}

func (s *SubscriptionStore) ListActiveSubscribers(_ context.Context, typeID int64) ([]*subscription.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ActiveByType[typeID], s.LoadErr
}

func (s *SubscriptionStore) ListAllUserIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UserIDsErr != nil {
		return nil, s.UserIDsErr
	}
	return append([]int64(nil), s.UserIDs...), s.LoadErr
}

func (s *SubscriptionStore) ActiveSubscriberIDsByType(context.Context) (map[int64][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]int64, len(s.ActiveByType))
	for typeID, subs := range s.ActiveByType {
		for _, sub := range subs {
			out[typeID] = append(out[typeID], sub.TelegramID)
		}
	}
	return out, s.LoadErr
}

func (s *SubscriptionStore) ChannelSubscriptionTypes(context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int64, len(s.ChannelTypes))
	for k, v := range s.ChannelTypes {
		out[k] = v
	}
	return out, s.LoadErr
}

func (s *SubscriptionStore) ListChannels(context.Context) ([]subscription.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscription.Channel(nil), s.Channels...), s.LoadErr
}

func (s *SubscriptionStore) ScheduleRemovals(_ context.Context, telegramID int64, channelIDs []int64, removeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ScheduleErr[telegramID]; err != nil {
		return err
	}
	if s.Scheduled[telegramID] == nil {
		s.Scheduled[telegramID] = make(map[int64]time.Time)
	}
	for _, ch := range channelIDs {
		s.Scheduled[telegramID][ch] = removeAt
	}
	return nil
}

func (s *SubscriptionStore) Resolve(_ context.Context, group subscription.TargetGroup, typeID *int64) ([]*subscription.Subscriber, error) {
	if err := group.Validate(typeID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Audiences[group], s.LoadErr
}

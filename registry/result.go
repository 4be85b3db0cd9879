package registry

import "sort"

// SubscriptionMap maps a session ID to the IDs of its subscriptions matching a destination.
//
// Subscription IDs of one session are in registration order. Iteration order across
// sessions is unspecified.
type SubscriptionMap map[string][]string

// Len total number of (session, subscription) pairs
func (m SubscriptionMap) Len() int {
	total := 0
	for _, subscriptions := range m {
		total += len(subscriptions)
	}
	return total
}

// Sessions the session IDs in sorted order
func (m SubscriptionMap) Sessions() []string {
	sessions := make([]string, 0, len(m))
	for sessionID := range m {
		sessions = append(sessions, sessionID)
	}
	sort.Strings(sessions)
	return sessions
}

// Contains whether the pair is present
func (m SubscriptionMap) Contains(sessionID, subscriptionID string) bool {
	for _, id := range m[sessionID] {
		if id == subscriptionID {
			return true
		}
	}
	return false
}

// Clone deep copy
func (m SubscriptionMap) Clone() SubscriptionMap {
	result := make(SubscriptionMap, len(m))
	for sessionID, subscriptions := range m {
		result[sessionID] = append(make([]string, 0, len(subscriptions)), subscriptions...)
	}
	return result
}

package registry

import (
	"sort"
	"sync"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/matcher"
	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheLimit default number of destinations with cached lookup results
const DefaultCacheLimit = 1024

// SubscriptionRegistry records which sessions are subscribed to which destinations
type SubscriptionRegistry interface {
	// RegisterSubscription record a subscription. Re-registering an existing
	// (session, subscription) pair replaces its destination.
	RegisterSubscription(sessionID, subscriptionID, destination string) error
	// UnregisterSubscription remove a subscription. Removing an unknown subscription is a no-op.
	UnregisterSubscription(sessionID, subscriptionID string) error
	// UnregisterAllSubscriptions remove every subscription of a session
	UnregisterAllSubscriptions(sessionID string) error
	// FindSubscriptions resolve the subscriptions a message sent to destination must reach.
	// Never returns nil.
	FindSubscriptions(destination string) SubscriptionMap
	// SubscriptionDestination the destination a subscription was registered with
	SubscriptionDestination(sessionID, subscriptionID string) (string, bool)
	// SessionSubscriptions subscription ID -> destination for one session
	SessionSubscriptions(sessionID string) map[string]string
	// Stats current registry statistics
	Stats() RegistryStats
	// Matcher the destination matching strategy in use
	Matcher() matcher.Matcher
}

// RegistryStats registry statistics
type RegistryStats struct {
	// Sessions number of sessions with at least one subscription
	Sessions int `json:"sessions"`
	// Subscriptions number of subscriptions
	Subscriptions int `json:"subscriptions"`
	// ExactDestinations number of distinct non-pattern destinations
	ExactDestinations int `json:"exact_destinations"`
	// PatternDestinations number of distinct pattern destinations
	PatternDestinations int `json:"pattern_destinations"`
	// CachedDestinations number of destinations with a cached lookup result
	CachedDestinations int `json:"cached_destinations"`
}

// RegistryParams parameters for defining a SubscriptionRegistry
type RegistryParams struct {
	// Instance name used in logs
	Instance string
	// Matcher destination matching strategy. Defaults to a PathMatcher on "/".
	Matcher matcher.Matcher
	// CacheLimit max number of destinations with cached lookup results. Zero disables the cache.
	CacheLimit int
	// Sink receives dropped requests. Defaults to a LogEventSink.
	Sink EventSink
}

// patternValidator implemented by matchers which can reject unusable patterns up front
type patternValidator interface {
	ValidatePattern(pattern string) error
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	matcher      matcher.Matcher
	sink         EventSink
	lock         sync.RWMutex
	sessions     *sessionIndex
	destinations *destinationIndex
	cache        *lru.Cache[string, SubscriptionMap]
	nextSeq      uint64
}

// DefineSubscriptionRegistry define a new SubscriptionRegistry
func DefineSubscriptionRegistry(params RegistryParams) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry", "instance": params.Instance,
	}
	useMatcher := params.Matcher
	if useMatcher == nil {
		pathMatcher, err := matcher.GetPathMatcher(matcher.DefaultPathSeparator, DefaultCacheLimit)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define default matcher")
			return nil, err
		}
		useMatcher = pathMatcher
	}
	sink := params.Sink
	if sink == nil {
		sink = GetLogEventSink(params.Instance)
	}
	instance := &subscriptionRegistryImpl{
		Component:    common.Component{LogTags: logTags},
		matcher:      useMatcher,
		sink:         sink,
		sessions:     newSessionIndex(),
		destinations: newDestinationIndex(useMatcher),
	}
	if params.CacheLimit > 0 {
		cache, err := lru.New[string, SubscriptionMap](params.CacheLimit)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define destination cache")
			return nil, err
		}
		instance.cache = cache
	}
	return instance, nil
}

// reject report a dropped request and return it as an error
func (r *subscriptionRegistryImpl) reject(err *MalformedRequestError) error {
	r.sink.MalformedRequest(err)
	return err
}

// RegisterSubscription record a subscription
func (r *subscriptionRegistryImpl) RegisterSubscription(
	sessionID, subscriptionID, destination string,
) error {
	if err := checkRequired(
		OpRegister, sessionID, subscriptionID, destination, true, true,
	); err != nil {
		return r.reject(err)
	}
	if checker, ok := r.matcher.(patternValidator); ok && r.matcher.IsPattern(destination) {
		if err := checker.ValidatePattern(destination); err != nil {
			return r.reject(&MalformedRequestError{
				Operation:      OpRegister,
				SessionID:      sessionID,
				SubscriptionID: subscriptionID,
				Destination:    destination,
				Cause:          err,
			})
		}
	}

	log.WithFields(r.LogTags).Debugf(
		"Adding subscription %s@%s for destination %s", subscriptionID, sessionID, destination,
	)

	key := subscriptionKey{sessionID: sessionID, subscriptionID: subscriptionID}

	r.lock.Lock()
	defer r.lock.Unlock()

	if prior, ok := r.sessions.get(sessionID, subscriptionID); ok && prior.destination == destination {
		return nil
	}

	r.nextSeq++
	entry := sessionEntry{destination: destination, seq: r.nextSeq}
	if prior, replaced := r.sessions.put(sessionID, subscriptionID, entry); replaced {
		r.destinations.remove(prior.destination, key)
		r.evictCached(prior.destination)
		log.WithFields(r.LogTags).Debugf(
			"Subscription %s@%s moved from %s to %s",
			subscriptionID,
			sessionID,
			prior.destination,
			destination,
		)
	}
	r.destinations.add(destination, key, entry.seq)
	r.evictCached(destination)
	return nil
}

// UnregisterSubscription remove a subscription
func (r *subscriptionRegistryImpl) UnregisterSubscription(sessionID, subscriptionID string) error {
	if err := checkRequired(
		OpUnregister, sessionID, subscriptionID, "", true, false,
	); err != nil {
		return r.reject(err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.sessions.remove(sessionID, subscriptionID)
	if !ok {
		return nil
	}
	r.destinations.remove(
		entry.destination, subscriptionKey{sessionID: sessionID, subscriptionID: subscriptionID},
	)
	r.evictCached(entry.destination)

	log.WithFields(r.LogTags).Debugf(
		"Removed subscription %s@%s for destination %s", subscriptionID, sessionID, entry.destination,
	)
	return nil
}

// UnregisterAllSubscriptions remove every subscription of a session
func (r *subscriptionRegistryImpl) UnregisterAllSubscriptions(sessionID string) error {
	if err := checkRequired(OpUnregisterAll, sessionID, "", "", false, false); err != nil {
		return r.reject(err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	removed := r.sessions.removeSession(sessionID)
	for subscriptionID, entry := range removed {
		r.destinations.remove(
			entry.destination, subscriptionKey{sessionID: sessionID, subscriptionID: subscriptionID},
		)
		r.evictCached(entry.destination)
	}

	if len(removed) > 0 {
		log.WithFields(r.LogTags).Debugf(
			"Removed %d subscriptions of session %s", len(removed), sessionID,
		)
	}
	return nil
}

// matchedSubscription one subscription matched during lookup
type matchedSubscription struct {
	key subscriptionKey
	seq uint64
}

// FindSubscriptions resolve the subscriptions a message sent to destination must reach
func (r *subscriptionRegistryImpl) FindSubscriptions(destination string) SubscriptionMap {
	if destination == "" {
		return SubscriptionMap{}
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.cache != nil {
		if cached, ok := r.cache.Get(destination); ok {
			return cached.Clone()
		}
	}

	matched := []matchedSubscription{}
	for _, candidate := range r.destinations.findCandidates(destination) {
		for key, seq := range candidate.subscribers {
			matched = append(matched, matchedSubscription{key: key, seq: seq})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq < matched[j].seq
	})

	result := SubscriptionMap{}
	for _, sub := range matched {
		result[sub.key.sessionID] = append(result[sub.key.sessionID], sub.key.subscriptionID)
	}

	log.WithFields(r.LogTags).Debugf(
		"Found %d subscriptions for destination %s", result.Len(), destination,
	)

	// Cache writes happen under the read lock, so they can not race a mutation's eviction
	if r.cache != nil {
		r.cache.Add(destination, result)
		return result.Clone()
	}
	return result
}

// evictCached drop the cached results of every destination the changed destination matches.
//
// Must be called holding the write lock.
func (r *subscriptionRegistryImpl) evictCached(changed string) {
	if r.cache == nil {
		return
	}
	if !r.matcher.IsPattern(changed) {
		r.cache.Remove(changed)
		return
	}
	for _, cached := range r.cache.Keys() {
		if r.matcher.Match(changed, cached) {
			r.cache.Remove(cached)
		}
	}
}

// SubscriptionDestination the destination a subscription was registered with
func (r *subscriptionRegistryImpl) SubscriptionDestination(
	sessionID, subscriptionID string,
) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.sessions.get(sessionID, subscriptionID)
	return entry.destination, ok
}

// SessionSubscriptions subscription ID -> destination for one session
func (r *subscriptionRegistryImpl) SessionSubscriptions(sessionID string) map[string]string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.sessions.snapshot(sessionID)
}

// Matcher the destination matching strategy in use
func (r *subscriptionRegistryImpl) Matcher() matcher.Matcher {
	return r.matcher
}

// Stats current registry statistics
func (r *subscriptionRegistryImpl) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	stats := RegistryStats{
		Sessions:            r.sessions.sessionCount(),
		Subscriptions:       r.sessions.subscriptionCount(),
		ExactDestinations:   r.destinations.exactCount(),
		PatternDestinations: r.destinations.patternCount(),
	}
	if r.cache != nil {
		stats.CachedDestinations = r.cache.Len()
	}
	return stats
}

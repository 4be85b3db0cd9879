package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/subreg/matcher"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingSink collects reported requests
type recordingSink struct {
	lock     sync.Mutex
	reported []*MalformedRequestError
}

func (s *recordingSink) MalformedRequest(err *MalformedRequestError) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reported = append(s.reported, err)
}

func (s *recordingSink) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.reported)
}

func defineTestRegistry(t *testing.T, cacheLimit int) (*subscriptionRegistryImpl, *recordingSink) {
	pathMatcher, err := matcher.GetPathMatcher("/", 64)
	assert.Nil(t, err)
	sink := &recordingSink{}
	uut, err := DefineSubscriptionRegistry(RegistryParams{
		Instance: "unit-test", Matcher: pathMatcher, CacheLimit: cacheLimit, Sink: sink,
	})
	assert.Nil(t, err)
	return uut.(*subscriptionRegistryImpl), sink
}

// checkSymmetry verify both indexes hold exactly the same records
func checkSymmetry(assert *assert.Assertions, uut *subscriptionRegistryImpl) {
	uut.lock.RLock()
	defer uut.lock.RUnlock()
	fromSessions := map[subscriptionKey]string{}
	for sessionID, subscriptions := range uut.sessions.sessions {
		assert.NotEmpty(subscriptions)
		for subscriptionID, entry := range subscriptions {
			fromSessions[subscriptionKey{sessionID, subscriptionID}] = entry.destination
		}
	}
	fromDestinations := map[subscriptionKey]string{}
	collect := func(group map[string]subscriberBucket) {
		for destination, bucket := range group {
			assert.NotEmpty(bucket)
			for key := range bucket {
				fromDestinations[key] = destination
			}
		}
	}
	collect(uut.destinations.exact)
	collect(uut.destinations.unanchored)
	for _, group := range uut.destinations.prefixed {
		assert.NotEmpty(group)
		collect(group)
	}
	assert.Equal(fromSessions, fromDestinations)
	assert.Equal(len(fromSessions), uut.sessions.subscriptionCount())
}

func TestRegistryScenarios(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	for _, cacheLimit := range []int{0, 16} {
		// Scenario A: two subscriptions of one session on one destination
		{
			uut, _ := defineTestRegistry(t, cacheLimit)
			assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
			assert.Nil(uut.RegisterSubscription("s1", "b", "/topic/x"))
			assert.Equal(SubscriptionMap{"s1": {"a", "b"}}, uut.FindSubscriptions("/topic/x"))
			checkSymmetry(assert, uut)
		}

		// Scenario B: wildcard subscription
		{
			uut, _ := defineTestRegistry(t, cacheLimit)
			assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
			assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/x"))
			result := uut.FindSubscriptions("/other")
			assert.NotNil(result)
			assert.Empty(result)
		}

		// Scenario C: unsubscribe
		{
			uut, _ := defineTestRegistry(t, cacheLimit)
			assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
			assert.Len(uut.FindSubscriptions("/topic/x"), 1)
			assert.Nil(uut.UnregisterSubscription("s1", "a"))
			result := uut.FindSubscriptions("/topic/x")
			assert.NotNil(result)
			assert.Empty(result)
			checkSymmetry(assert, uut)
		}

		// Scenario D: session teardown
		{
			uut, _ := defineTestRegistry(t, cacheLimit)
			assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
			assert.Nil(uut.RegisterSubscription("s2", "b", "/topic/x"))
			assert.Len(uut.FindSubscriptions("/topic/x"), 2)
			assert.Nil(uut.UnregisterAllSubscriptions("s1"))
			assert.Equal(SubscriptionMap{"s2": {"b"}}, uut.FindSubscriptions("/topic/x"))
			checkSymmetry(assert, uut)
		}
	}
}

func TestRegistryReRegisterReplaces(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, sink := defineTestRegistry(t, 16)

	// Case 0: register then move to another destination
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
	assert.Len(uut.FindSubscriptions("/topic/x"), 1)
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/y"))
	assert.Empty(uut.FindSubscriptions("/topic/x"))
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/y"))
	{
		destination, ok := uut.SubscriptionDestination("s1", "a")
		assert.True(ok)
		assert.Equal("/topic/y", destination)
	}
	stats := uut.Stats()
	assert.Equal(1, stats.Sessions)
	assert.Equal(1, stats.Subscriptions)
	assert.Equal(1, stats.ExactDestinations)
	checkSymmetry(assert, uut)

	// Case 1: move from an exact destination to a pattern
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/x"))
	stats = uut.Stats()
	assert.Equal(1, stats.Subscriptions)
	assert.Equal(0, stats.ExactDestinations)
	assert.Equal(1, stats.PatternDestinations)
	checkSymmetry(assert, uut)

	// Case 2: re-register with the same destination keeps registration order
	assert.Nil(uut.RegisterSubscription("s1", "b", "/topic/*"))
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
	assert.Equal(SubscriptionMap{"s1": {"a", "b"}}, uut.FindSubscriptions("/topic/z"))
	assert.Equal(0, sink.count())
}

func TestRegistryMalformedRequests(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, sink := defineTestRegistry(t, 16)

	// Case 0: register with missing identifiers
	{
		err := uut.RegisterSubscription("", "a", "/topic/x")
		assert.True(errors.Is(err, ErrMalformedRequest))
		var detail *MalformedRequestError
		assert.True(errors.As(err, &detail))
		assert.Equal(OpRegister, detail.Operation)
		assert.Equal([]string{"sessionId"}, detail.Missing)
	}
	{
		err := uut.RegisterSubscription("s1", "", "")
		assert.True(errors.Is(err, ErrMalformedRequest))
		var detail *MalformedRequestError
		assert.True(errors.As(err, &detail))
		assert.Equal([]string{"subscriptionId", "destination"}, detail.Missing)
	}
	assert.Equal(2, sink.count())
	assert.Equal(0, uut.Stats().Subscriptions)

	// Case 1: register with an unusable pattern
	{
		err := uut.RegisterSubscription("s1", "a", "/topic/*/{id")
		assert.True(errors.Is(err, ErrMalformedRequest))
		assert.Equal(3, sink.count())
		assert.Equal(0, uut.Stats().Subscriptions)
	}

	// Case 2: unregister with missing identifiers
	assert.True(errors.Is(uut.UnregisterSubscription("s1", ""), ErrMalformedRequest))
	assert.True(errors.Is(uut.UnregisterSubscription("", "a"), ErrMalformedRequest))
	assert.True(errors.Is(uut.UnregisterAllSubscriptions(""), ErrMalformedRequest))
	assert.Equal(6, sink.count())

	// Case 3: unregister unknown subscription is not an error
	assert.Nil(uut.UnregisterSubscription("s1", "unknown"))
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
	assert.Nil(uut.UnregisterSubscription("s1", "unknown"))
	assert.Nil(uut.UnregisterSubscription("s2", "a"))
	assert.Equal(6, sink.count())
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/x"))

	// Case 4: empty lookup
	result := uut.FindSubscriptions("")
	assert.NotNil(result)
	assert.Empty(result)
}

func TestRegistryTeardownIdempotent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, sink := defineTestRegistry(t, 16)

	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/x"))
	assert.Nil(uut.RegisterSubscription("s1", "b", "/topic/*"))
	assert.Nil(uut.RegisterSubscription("s1", "c", "/queue/**"))
	assert.Nil(uut.RegisterSubscription("s2", "a", "/topic/*"))

	// Case 0: first teardown
	assert.Nil(uut.UnregisterAllSubscriptions("s1"))
	afterFirst := uut.Stats()
	assert.Equal(1, afterFirst.Sessions)
	assert.Equal(1, afterFirst.Subscriptions)
	assert.Empty(uut.SessionSubscriptions("s1"))
	for _, destination := range []string{"/topic/x", "/topic/y", "/queue/a/b"} {
		assert.False(uut.FindSubscriptions(destination).Contains("s1", "a"))
		_, ok := uut.FindSubscriptions(destination)["s1"]
		assert.False(ok)
	}
	checkSymmetry(assert, uut)

	// Case 1: second teardown changes nothing
	assert.Nil(uut.UnregisterAllSubscriptions("s1"))
	afterSecond := uut.Stats()
	afterFirst.CachedDestinations = afterSecond.CachedDestinations
	assert.Equal(afterFirst, afterSecond)
	assert.Equal(SubscriptionMap{"s2": {"a"}}, uut.FindSubscriptions("/topic/x"))
	assert.Equal(0, sink.count())

	// Case 2: teardown of a session never seen
	assert.Nil(uut.UnregisterAllSubscriptions(uuid.NewString()))
	checkSymmetry(assert, uut)
}

func TestRegistryEmptyBucketCleanup(t *testing.T) {
	assert := assert.New(t)

	uut, _ := defineTestRegistry(t, 16)

	destinations := []string{"/topic/x", "/topic/*", "/*/x", "/topic/**"}
	for itr := 0; itr < 100; itr++ {
		sessionID := fmt.Sprintf("session-%d", itr%3)
		for idx, destination := range destinations {
			assert.Nil(uut.RegisterSubscription(sessionID, fmt.Sprintf("sub-%d", idx), destination))
		}
		assert.Equal(len(destinations), uut.FindSubscriptions("/topic/x").Len())
		if itr%2 == 0 {
			for idx := range destinations {
				assert.Nil(uut.UnregisterSubscription(sessionID, fmt.Sprintf("sub-%d", idx)))
			}
		} else {
			assert.Nil(uut.UnregisterAllSubscriptions(sessionID))
		}

		stats := uut.Stats()
		assert.Equal(0, stats.Sessions)
		assert.Equal(0, stats.Subscriptions)
		assert.Equal(0, stats.ExactDestinations)
		assert.Equal(0, stats.PatternDestinations)
	}

	uut.lock.RLock()
	assert.Empty(uut.destinations.destinations())
	assert.Equal(0, uut.destinations.prefixGroupCount())
	assert.Empty(uut.destinations.unanchored)
	assert.Empty(uut.sessions.sessions)
	uut.lock.RUnlock()
}

func TestRegistryPatternLookup(t *testing.T) {
	assert := assert.New(t)

	uut, _ := defineTestRegistry(t, 16)

	assert.Nil(uut.RegisterSubscription("s1", "exact", "/topic/orders"))
	assert.Nil(uut.RegisterSubscription("s1", "single", "/topic/*"))
	assert.Nil(uut.RegisterSubscription("s1", "multi", "/topic/**"))
	assert.Nil(uut.RegisterSubscription("s2", "any-leaf", "/*/orders"))
	assert.Nil(uut.RegisterSubscription("s2", "var", "/user/{user}/queue"))
	assert.Nil(uut.RegisterSubscription("s3", "other", "/queue/orders"))

	// Case 0: exact plus prefixed plus unanchored
	assert.Equal(
		SubscriptionMap{"s1": {"exact", "single", "multi"}, "s2": {"any-leaf"}},
		uut.FindSubscriptions("/topic/orders"),
	)

	// Case 1: only the multi segment wildcard reaches deeper destinations
	assert.Equal(SubscriptionMap{"s1": {"multi"}}, uut.FindSubscriptions("/topic/orders/new"))

	// Case 2: unanchored pattern under another prefix
	assert.Equal(
		SubscriptionMap{"s2": {"any-leaf"}, "s3": {"other"}},
		uut.FindSubscriptions("/queue/orders"),
	)

	// Case 3: variable segment
	assert.Equal(SubscriptionMap{"s2": {"var"}}, uut.FindSubscriptions("/user/alice/queue"))

	// Case 4: no match
	assert.Empty(uut.FindSubscriptions("/nothing/here"))

	stats := uut.Stats()
	assert.Equal(3, stats.Sessions)
	assert.Equal(6, stats.Subscriptions)
	assert.Equal(2, stats.ExactDestinations)
	assert.Equal(4, stats.PatternDestinations)

	assert.Equal(
		map[string]string{"exact": "/topic/orders", "single": "/topic/*", "multi": "/topic/**"},
		uut.SessionSubscriptions("s1"),
	)
}

func TestRegistryCacheConsistency(t *testing.T) {
	assert := assert.New(t)

	uut, _ := defineTestRegistry(t, 16)

	// Case 0: cache an empty result then subscribe through a pattern
	assert.Empty(uut.FindSubscriptions("/topic/x"))
	assert.Equal(1, uut.Stats().CachedDestinations)
	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/x"))

	// Case 1: exact subscription on a cached destination
	assert.Nil(uut.RegisterSubscription("s2", "b", "/topic/x"))
	assert.Equal(SubscriptionMap{"s1": {"a"}, "s2": {"b"}}, uut.FindSubscriptions("/topic/x"))

	// Case 2: callers can not corrupt the cached result
	{
		result := uut.FindSubscriptions("/topic/x")
		result["s1"][0] = "mutated"
		delete(result, "s2")
	}
	assert.Equal(SubscriptionMap{"s1": {"a"}, "s2": {"b"}}, uut.FindSubscriptions("/topic/x"))

	// Case 3: unrelated cached destination survives a change
	assert.Empty(uut.FindSubscriptions("/queue/y"))
	assert.Nil(uut.UnregisterSubscription("s1", "a"))
	assert.Equal(SubscriptionMap{"s2": {"b"}}, uut.FindSubscriptions("/topic/x"))
	assert.True(uut.cache.Contains("/queue/y"))

	// Case 4: teardown evicts
	assert.Nil(uut.UnregisterAllSubscriptions("s2"))
	assert.Empty(uut.FindSubscriptions("/topic/x"))
}

func TestRegistryExactMatcher(t *testing.T) {
	assert := assert.New(t)

	sink := &recordingSink{}
	uut, err := DefineSubscriptionRegistry(RegistryParams{
		Instance: "unit-test", Matcher: matcher.ExactMatcher{}, CacheLimit: 0, Sink: sink,
	})
	assert.Nil(err)

	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
	assert.Nil(uut.RegisterSubscription("s1", "b", "/topic/x"))
	assert.Equal(SubscriptionMap{"s1": {"b"}}, uut.FindSubscriptions("/topic/x"))
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/*"))
	assert.Equal(2, uut.Stats().ExactDestinations)
	assert.Equal(0, uut.Stats().PatternDestinations)
	assert.Equal(0, sink.count())
}

func TestRegistryDefaults(t *testing.T) {
	assert := assert.New(t)

	uut, err := DefineSubscriptionRegistry(RegistryParams{Instance: "unit-test"})
	assert.Nil(err)

	assert.Nil(uut.RegisterSubscription("s1", "a", "/topic/*"))
	assert.Equal(SubscriptionMap{"s1": {"a"}}, uut.FindSubscriptions("/topic/x"))
	assert.NotNil(uut.RegisterSubscription("s1", "", "/topic/*"))
}

func TestRegistryConcurrentChurn(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, sink := defineTestRegistry(t, 32)

	const numSessions = 16
	const numRounds = 50
	destinations := []string{"/topic/a", "/topic/*", "/topic/**", "/*/a"}

	wg := sync.WaitGroup{}
	for itr := 0; itr < numSessions; itr++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("session-%d", idx)
			for round := 0; round < numRounds; round++ {
				for subIdx, destination := range destinations {
					_ = uut.RegisterSubscription(sessionID, fmt.Sprintf("sub-%d", subIdx), destination)
				}
				result := uut.FindSubscriptions("/topic/a")
				// Own subscriptions always observed complete, in registration order
				if own, ok := result[sessionID]; ok {
					assert.Equal([]string{"sub-0", "sub-1", "sub-2", "sub-3"}, own)
				}
				if round%2 == 0 {
					_ = uut.UnregisterSubscription(sessionID, "sub-1")
					_ = uut.UnregisterAllSubscriptions(sessionID)
				} else {
					_ = uut.UnregisterAllSubscriptions(sessionID)
				}
			}
		}(itr)
	}

	// Concurrent readers
	readers := sync.WaitGroup{}
	for itr := 0; itr < 4; itr++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for round := 0; round < numRounds*4; round++ {
				result := uut.FindSubscriptions("/topic/a")
				for _, subscriptions := range result {
					assert.LessOrEqual(len(subscriptions), len(destinations))
				}
			}
		}()
	}

	wg.Wait()
	readers.Wait()

	stats := uut.Stats()
	assert.Equal(0, stats.Sessions)
	assert.Equal(0, stats.Subscriptions)
	assert.Equal(0, stats.ExactDestinations)
	assert.Equal(0, stats.PatternDestinations)
	assert.Empty(uut.FindSubscriptions("/topic/a"))
	assert.Equal(0, sink.count())
	checkSymmetry(assert, uut)
}

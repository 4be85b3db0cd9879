package registry

// subscriptionKey identity of one subscription
type subscriptionKey struct {
	sessionID      string
	subscriptionID string
}

// sessionEntry one subscription as seen from its session
type sessionEntry struct {
	destination string
	// seq registration order, used to order lookup results
	seq uint64
}

// sessionIndex session ID -> subscription ID -> entry
//
// Not thread safe, guarded by the registry.
type sessionIndex struct {
	sessions map[string]map[string]sessionEntry
	count    int
}

func newSessionIndex() *sessionIndex {
	return &sessionIndex{sessions: make(map[string]map[string]sessionEntry)}
}

// put insert or overwrite, returning the entry it replaced if any
func (i *sessionIndex) put(sessionID, subscriptionID string, entry sessionEntry) (sessionEntry, bool) {
	subscriptions, ok := i.sessions[sessionID]
	if !ok {
		subscriptions = make(map[string]sessionEntry)
		i.sessions[sessionID] = subscriptions
	}
	prior, existed := subscriptions[subscriptionID]
	subscriptions[subscriptionID] = entry
	if !existed {
		i.count++
	}
	return prior, existed
}

func (i *sessionIndex) get(sessionID, subscriptionID string) (sessionEntry, bool) {
	entry, ok := i.sessions[sessionID][subscriptionID]
	return entry, ok
}

// remove drop one subscription, returning what it was registered with
func (i *sessionIndex) remove(sessionID, subscriptionID string) (sessionEntry, bool) {
	subscriptions, ok := i.sessions[sessionID]
	if !ok {
		return sessionEntry{}, false
	}
	entry, ok := subscriptions[subscriptionID]
	if !ok {
		return sessionEntry{}, false
	}
	delete(subscriptions, subscriptionID)
	i.count--
	if len(subscriptions) == 0 {
		delete(i.sessions, sessionID)
	}
	return entry, true
}

// removeSession drop every subscription of the session and return them
func (i *sessionIndex) removeSession(sessionID string) map[string]sessionEntry {
	subscriptions, ok := i.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(i.sessions, sessionID)
	i.count -= len(subscriptions)
	return subscriptions
}

// snapshot copy of one session's subscription ID -> destination
func (i *sessionIndex) snapshot(sessionID string) map[string]string {
	result := map[string]string{}
	for subscriptionID, entry := range i.sessions[sessionID] {
		result[subscriptionID] = entry.destination
	}
	return result
}

func (i *sessionIndex) sessionCount() int {
	return len(i.sessions)
}

func (i *sessionIndex) subscriptionCount() int {
	return i.count
}

package registry

import "github.com/alwitt/subreg/matcher"

// subscriberBucket the subscriptions registered against one destination, with their
// registration sequence
type subscriberBucket map[subscriptionKey]uint64

// candidate one destination key whose subscriptions match a looked up destination
type candidate struct {
	destination string
	subscribers subscriberBucket
}

// destinationIndex destination -> subscriptions registered against exactly that destination.
//
// Destinations which are not patterns are kept in a hash map and only ever looked up
// directly. Patterns are grouped by their literal leading segment, so a lookup only tests
// the patterns sharing the destination's leading segment plus those without a literal one.
//
// Not thread safe, guarded by the registry.
type destinationIndex struct {
	matcher    matcher.Matcher
	exact      map[string]subscriberBucket
	prefixed   map[string]map[string]subscriberBucket
	unanchored map[string]subscriberBucket
}

func newDestinationIndex(m matcher.Matcher) *destinationIndex {
	return &destinationIndex{
		matcher:    m,
		exact:      make(map[string]subscriberBucket),
		prefixed:   make(map[string]map[string]subscriberBucket),
		unanchored: make(map[string]subscriberBucket),
	}
}

// group the map holding the destination's bucket, creating it if requested
func (i *destinationIndex) group(destination string, create bool) map[string]subscriberBucket {
	if !i.matcher.IsPattern(destination) {
		return i.exact
	}
	prefix := i.matcher.PrefixKey(destination)
	if prefix == "" {
		return i.unanchored
	}
	group, ok := i.prefixed[prefix]
	if !ok && create {
		group = make(map[string]subscriberBucket)
		i.prefixed[prefix] = group
	}
	return group
}

// add register the subscription against the destination
func (i *destinationIndex) add(destination string, key subscriptionKey, seq uint64) {
	group := i.group(destination, true)
	bucket, ok := group[destination]
	if !ok {
		bucket = make(subscriberBucket)
		group[destination] = bucket
	}
	bucket[key] = seq
}

// remove the subscription from the destination, dropping emptied buckets and groups
func (i *destinationIndex) remove(destination string, key subscriptionKey) bool {
	group := i.group(destination, false)
	if group == nil {
		return false
	}
	bucket, ok := group[destination]
	if !ok {
		return false
	}
	if _, ok := bucket[key]; !ok {
		return false
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(group, destination)
		if len(group) == 0 && i.matcher.IsPattern(destination) {
			if prefix := i.matcher.PrefixKey(destination); prefix != "" {
				delete(i.prefixed, prefix)
			}
		}
	}
	return true
}

// findCandidates the buckets whose destination matches the concrete destination
func (i *destinationIndex) findCandidates(destination string) []candidate {
	result := []candidate{}
	if bucket, ok := i.exact[destination]; ok {
		result = append(result, candidate{destination: destination, subscribers: bucket})
	}
	scan := func(group map[string]subscriberBucket) {
		for pattern, bucket := range group {
			if i.matcher.Match(pattern, destination) {
				result = append(result, candidate{destination: pattern, subscribers: bucket})
			}
		}
	}
	if prefix := i.matcher.PrefixKey(destination); prefix != "" {
		scan(i.prefixed[prefix])
	}
	scan(i.unanchored)
	return result
}

// destinations every registered destination key
func (i *destinationIndex) destinations() []string {
	result := make([]string, 0, len(i.exact)+len(i.unanchored))
	for destination := range i.exact {
		result = append(result, destination)
	}
	for _, group := range i.prefixed {
		for pattern := range group {
			result = append(result, pattern)
		}
	}
	for pattern := range i.unanchored {
		result = append(result, pattern)
	}
	return result
}

func (i *destinationIndex) exactCount() int {
	return len(i.exact)
}

func (i *destinationIndex) patternCount() int {
	total := len(i.unanchored)
	for _, group := range i.prefixed {
		total += len(group)
	}
	return total
}

func (i *destinationIndex) prefixGroupCount() int {
	return len(i.prefixed)
}

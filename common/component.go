package common

import "github.com/apex/log"

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// SessionLogTags copy of the component log tags annotated with a session ID
func (c Component) SessionLogTags(sessionID string) log.Fields {
	tags := log.Fields{}
	for k, v := range c.LogTags {
		tags[k] = v
	}
	tags["session_id"] = sessionID
	return tags
}

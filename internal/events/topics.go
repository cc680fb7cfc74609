package events

import (
	"slices"
	"strings"
)

// Topic is a hierarchical channel name. Levels are separated by '/'.
type Topic string

const (
	TopicHello   Topic = "tracker/hello"
	TopicGoodbye Topic = "tracker/goodbye"

	TopicJoinRequested Topic = "clients/join/requested"
	TopicJoinAccepted  Topic = "clients/join/accepted"
	TopicJoinDenied    Topic = "clients/join/denied"
	TopicJoinSucceeded Topic = "clients/join/succeeded"
	TopicJoinFailed    Topic = "clients/join/failed"
	TopicRegistered    Topic = "clients/registered"
	TopicClientGoodbye Topic = "clients/goodbye"

	TopicFileInfoPublished Topic = "files/info"

	TopicDistributionStarted   Topic = "fragments/distribution/started"
	TopicDistributionRequested Topic = "fragments/distribution/requested"
	TopicDistributionDelivered Topic = "fragments/distribution/delivered"
	TopicDistributionObtained  Topic = "fragments/distribution/obtained"
	TopicDistributionFailed    Topic = "fragments/distribution/failed"
	TopicDistributionEnded     Topic = "fragments/distribution/ended"
)

// MatchTopic reports whether topic matches filter. A '+' level in the filter
// matches exactly one topic level and a trailing '#' matches any remaining
// levels, including none.
func MatchTopic(filter string, topic Topic) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(string(topic), "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}

	return len(fl) == len(tl)
}

// ValidFilter reports whether filter is well formed: no empty levels,
// wildcards occupy a whole level and '#' only appears last.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "":
			return false
		case l == "#" && i != len(levels)-1:
			return false
		case l != "#" && l != "+" && strings.ContainsAny(l, "#+"):
			return false
		}
	}
	return true
}

// Topics lists every topic an event is bound to.
func Topics() []Topic {
	return slices.Clone(topicOrder)
}

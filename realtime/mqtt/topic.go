package mqtt

import "strings"

// topicMatchesFilter applies MQTT wildcard rules: + matches one level, # the
// rest of the topic.
func topicMatchesFilter(topic string, filter string) bool {
	if filter == "#" {
		return true
	}

	topicLevels := strings.Split(topic, "/")
	filterLevels := strings.Split(filter, "/")

	for i, f := range filterLevels {
		if f == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if f != "+" && f != topicLevels[i] {
			return false
		}
	}

	return len(topicLevels) == len(filterLevels)
}

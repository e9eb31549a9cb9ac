package mqttc

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'

	sharePrefix = "$share/"
)

func validTopicChars(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// ValidateTopicName checks a topic name used in PUBLISH. Wildcards are not
// allowed.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !validTopicChars(topic) || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a topic filter used in SUBSCRIBE or UNSUBSCRIBE,
// including the $share/{ShareName}/{filter} form.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !validTopicChars(filter) {
		return ErrInvalidTopicFilter
	}

	if strings.HasPrefix(filter, sharePrefix) {
		_, err := ParseSharedSubscription(filter)
		return err
	}
	return validateFilterLevels(filter)
}

func validateFilterLevels(filter string) error {
	for rest := filter; ; {
		level, tail, more := strings.Cut(rest, "/")

		switch {
		case strings.ContainsRune(level, singleLevelWildcard) && level != "+":
			return ErrInvalidTopicFilter
		case strings.ContainsRune(level, multiLevelWildcard) && (level != "#" || more):
			return ErrInvalidTopicFilter
		}

		if !more {
			return nil
		}
		rest = tail
	}
}

// TopicMatch reports whether topic matches filter. A shared subscription
// filter matches on its topic filter part. Topics starting with '$' are
// not matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if strings.HasPrefix(filter, sharePrefix) {
		shared, err := ParseSharedSubscription(filter)
		if err != nil {
			return false
		}
		filter = shared.TopicFilter
	}
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	return matchLevels(filter, topic)
}

// matchLevels walks filter and topic level by level without allocating.
func matchLevels(filter, topic string) bool {
	for {
		flevel, frest, fmore := strings.Cut(filter, "/")
		if flevel == "#" {
			return true
		}

		tlevel, trest, tmore := strings.Cut(topic, "/")
		if flevel != "+" && flevel != tlevel {
			return false
		}

		switch {
		case !fmore && !tmore:
			return true
		case !tmore:
			// "a/#" matches "a".
			return frest == "#"
		case !fmore:
			return false
		}
		filter, topic = frest, trest
	}
}

// IsSystemTopic reports whether topic is under $SYS.
func IsSystemTopic(topic string) bool {
	return topic == "$SYS" || strings.HasPrefix(topic, "$SYS/")
}

// SharedSubscription is a parsed $share/{ShareName}/{TopicFilter}.
type SharedSubscription struct {
	ShareName   string
	TopicFilter string
}

// ParseSharedSubscription splits a shared subscription filter. It returns
// nil, nil for a filter that is not shared.
func ParseSharedSubscription(filter string) (*SharedSubscription, error) {
	rest, ok := strings.CutPrefix(filter, sharePrefix)
	if !ok {
		return nil, nil
	}

	name, topicFilter, found := strings.Cut(rest, "/")
	if !found || name == "" || topicFilter == "" || strings.ContainsAny(name, "+#") {
		return nil, ErrInvalidTopicFilter
	}
	if err := validateFilterLevels(topicFilter); err != nil {
		return nil, err
	}

	return &SharedSubscription{ShareName: name, TopicFilter: topicFilter}, nil
}

func isSharedSubscription(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}

func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}

package link

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateTopicName checks a topic for PUBLISH: non-empty, no wildcards, valid UTF-8
// and no NUL.
func ValidateTopicName(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateTopicFilter checks a filter for SUBSCRIBE. "+" must fill a whole level and
// "#" must be the whole last level.
func ValidateTopicFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: %q: # must be the last level on its own", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: %q: + must be a level on its own", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	case !utf8.ValidString(topic):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTopic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopic)
	}
	return nil
}

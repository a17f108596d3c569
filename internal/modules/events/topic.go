// README: Subscription topics and the routing of events onto them.
package events

import (
	"fmt"
	"strings"

	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type Topic string

// TopicAllActive carries every event of every request, including the terminal one that
// removes it from the active set.
const TopicAllActive Topic = "all-active"

const (
	requestPrefix = "request:"
	minePrefix    = "mine:"
)

func RequestTopic(id types.ID) Topic {
	return Topic(requestPrefix + string(id))
}

func MineTopic(actorID types.ID) Topic {
	return Topic(minePrefix + string(actorID))
}

// ParseTopic validates a topic string received from a client.
func ParseTopic(s string) (Topic, error) {
	switch {
	case s == string(TopicAllActive):
		return TopicAllActive, nil
	case strings.HasPrefix(s, requestPrefix) && len(s) > len(requestPrefix):
		return Topic(s), nil
	case strings.HasPrefix(s, minePrefix) && len(s) > len(minePrefix):
		return Topic(s), nil
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

// RequestID returns the id of a request:<id> topic.
func (t Topic) RequestID() (types.ID, bool) {
	if !strings.HasPrefix(string(t), requestPrefix) {
		return "", false
	}
	return types.ID(strings.TrimPrefix(string(t), requestPrefix)), true
}

// ActorID returns the actor of a mine:<actor> topic.
func (t Topic) ActorID() (types.ID, bool) {
	if !strings.HasPrefix(string(t), minePrefix) {
		return "", false
	}
	return types.ID(strings.TrimPrefix(string(t), minePrefix)), true
}

// TopicsFor lists every topic an event is delivered on.
func TopicsFor(e request.Event) []Topic {
	topics := []Topic{TopicAllActive, RequestTopic(e.RequestID), MineTopic(e.Request.PatientID)}
	if e.Request.ParamedicID != nil {
		topics = append(topics, MineTopic(*e.Request.ParamedicID))
	}
	return topics
}

package event

import (
	"slices"

	"github.com/google/uuid"
)

// NewID returns a fresh event identifier.
func NewID() string { return uuid.NewString() }

// SplitProperties partitions props into the keys listed in specialKeys and
// everything else.
func SplitProperties(props Properties, specialKeys []string) (special, custom Properties) {
	special = Properties{}
	custom = Properties{}
	for k, v := range props {
		if slices.Contains(specialKeys, k) {
			special[k] = v
		} else {
			custom[k] = v
		}
	}
	return special, custom
}

// merge copies every map into a fresh one; later maps win on collision.
func merge(ms ...Properties) Properties {
	out := Properties{}
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func newPropertyEvent(t Type, name string, props, predefined Properties, specialKeys []string) *Event {
	special, custom := SplitProperties(props, specialKeys)
	e := &Event{
		ID:         NewID(),
		EventType:  t,
		EventName:  name,
		Properties: merge(predefined, custom),
	}
	if len(special) > 0 {
		e.Extra = special
	}
	return e
}

// NewTrack builds an activity event.
func NewTrack(name string, props, predefined Properties) *Event {
	return newPropertyEvent(TypeTrack, name, props, predefined, SpecialActivityKeys)
}

// NewLog builds a generation event; model_id, input and output are promoted.
func NewLog(name string, props, predefined Properties) *Event {
	return newPropertyEvent(TypeLog, name, props, predefined, SpecialGenerationKeys)
}

// NewFeedback builds a feedback event; generationId is promoted.
func NewFeedback(name string, props, predefined Properties) *Event {
	return newPropertyEvent(TypeFeedback, name, props, predefined, SpecialFeedbackKeys)
}

// NewIdentifyRegister builds the event announcing distinctID to the server.
func NewIdentifyRegister(distinctID string) *Event {
	return &Event{
		ID:         NewID(),
		EventType:  TypeIdentify,
		EventName:  NameRegister,
		DistinctID: distinctID,
	}
}

// NewIdentifyUser builds an identify event for alias. Predefined properties are
// applied first, then the special identify keys, then custom traits, so a
// trait overrides a predefined value of the same key. This is the reverse of
// the track/log/feedback builders.
func NewIdentifyUser(alias string, traits *Identify, predefined Properties) *Event {
	var props Properties
	if traits != nil {
		props = traits.UserProperties()
	}
	special, custom := SplitProperties(props, SpecialIdentifyKeys)
	e := &Event{
		ID:        NewID(),
		EventType: TypeIdentify,
		EventName: NameIdentify,
		Alias:     alias,
	}
	if extra := merge(predefined, special, custom); len(extra) > 0 {
		e.Extra = extra
	}
	return e
}

// NewIdentifyAlias builds an event linking alias to distinctID.
func NewIdentifyAlias(alias, distinctID string) *Event {
	return &Event{
		ID:         NewID(),
		EventType:  TypeIdentify,
		EventName:  NameAlias,
		Alias:      alias,
		DistinctID: distinctID,
	}
}

package event

import (
	"encoding/json"
	"maps"
)

// Type is the routing tag of an event.
type Type string

const (
	TypeTrack    Type = "$track"
	TypeLog      Type = "$log"
	TypeFeedback Type = "$feedback"
	TypeIdentify Type = "$identify"
)

// Event names used by the identify family.
const (
	NameRegister = "$register"
	NameIdentify = "$identify"
	NameAlias    = "$alias"
)

// Properties is a free-form property map. Values are scalars, arrays of
// scalars or nested Properties.
type Properties map[string]any

// Event is a single tracked occurrence (activity, generation, feedback or one
// of the identify variants).
//
// Extra carries keys promoted to the top level of the event: the special keys
// of a kind (model_id, generationId, $email, ...) and, for identify-user
// events, the custom traits. It is flattened when the event is encoded.
type Event struct {
	ID         string
	EventType  Type
	EventName  string
	DistinctID string
	Alias      string
	Properties Properties
	Extra      Properties
}

var reservedKeys = map[string]struct{}{
	"id": {}, "eventType": {}, "eventName": {}, "distinctId": {}, "alias": {}, "properties": {},
}

// Clone returns a shallow copy: the top-level maps are copied, nested values
// are shared.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Properties != nil {
		c.Properties = maps.Clone(e.Properties)
	}
	if e.Extra != nil {
		c.Extra = maps.Clone(e.Extra)
	}
	return &c
}

// Property returns a property value and whether it was present.
func (e *Event) Property(key string) (any, bool) {
	if e == nil || e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// StringProperty returns a string property or "" when missing or not a string.
func (e *Event) StringProperty(key string) string {
	v, _ := e.Property(key)
	s, _ := v.(string)
	return s
}

// Fields flattens the event into the map used for its JSON form.
func (e *Event) Fields() map[string]any {
	m := make(map[string]any, len(e.Extra)+6)
	for k, v := range e.Extra {
		m[k] = v
	}
	m["id"] = e.ID
	m["eventType"] = e.EventType
	m["eventName"] = e.EventName
	if e.DistinctID != "" {
		m["distinctId"] = e.DistinctID
	}
	if e.Alias != "" {
		m["alias"] = e.Alias
	}
	if e.Properties != nil {
		m["properties"] = e.Properties
	}
	return m
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out Event
	for k, v := range raw {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &out.ID)
		case "eventType":
			err = json.Unmarshal(v, &out.EventType)
		case "eventName":
			err = json.Unmarshal(v, &out.EventName)
		case "distinctId":
			err = json.Unmarshal(v, &out.DistinctID)
		case "alias":
			err = json.Unmarshal(v, &out.Alias)
		case "properties":
			err = json.Unmarshal(v, &out.Properties)
		default:
			var val any
			if err = json.Unmarshal(v, &val); err == nil {
				if out.Extra == nil {
					out.Extra = Properties{}
				}
				out.Extra[k] = val
			}
		}
		if err != nil {
			return err
		}
	}
	*e = out
	return nil
}

package event

import "maps"

// Identify accumulates user traits for an identify call. Only the first valid
// value set for a key is kept.
type Identify struct {
	props Properties
	seen  map[string]struct{}
}

func NewIdentify() *Identify {
	return &Identify{props: Properties{}, seen: map[string]struct{}{}}
}

// Set records key=value unless key was already set or the value is invalid.
func (i *Identify) Set(key string, value any) *Identify {
	if i.props == nil {
		i.props = Properties{}
		i.seen = map[string]struct{}{}
	}
	if _, dup := i.seen[key]; dup {
		return i
	}
	if !ValidProperty(key, value) {
		return i
	}
	i.props[key] = value
	i.seen[key] = struct{}{}
	return i
}

// UserProperties returns a copy of the collected traits.
func (i *Identify) UserProperties() Properties {
	if i == nil {
		return Properties{}
	}
	return maps.Clone(i.props)
}

// ValidProperty reports whether value may be sent under key: scalars, arrays
// of strings or numbers, and maps whose values are themselves valid.
func ValidProperty(key string, value any) bool {
	if key == "" {
		return false
	}
	return validValue(value, 0)
}

const maxPropertyDepth = 40

func validValue(v any, depth int) bool {
	if depth > maxPropertyDepth {
		return false
	}
	switch t := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []string, []int, []int64, []float64:
		return true
	case []any:
		for _, e := range t {
			switch e.(type) {
			case string, int, int64, float64, float32, int32:
			default:
				return false
			}
		}
		return true
	case map[string]any:
		for k, e := range t {
			if k == "" || !validValue(e, depth+1) {
				return false
			}
		}
		return true
	case Properties:
		return validValue(map[string]any(t), depth)
	default:
		return false
	}
}

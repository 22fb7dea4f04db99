package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
)

// ErrUnknownCondition is returned when a name or mask does not map to a risk condition.
var ErrUnknownCondition = errors.New("unknown risk condition")

// Condition is one of the three risk conditions a tool call can grant.
// The zero value means the tool grants no condition.
type Condition uint8

const (
	None               Condition = 0
	PrivateData        Condition = 1
	UntrustedContent   Condition = 2
	ExfiltrationVector Condition = 4
)

// All lists the conditions in name order.
var All = []Condition{ExfiltrationVector, PrivateData, UntrustedContent}

// Total is the number of risk conditions.
const Total = 3

var names = map[Condition]string{
	PrivateData:        "private_data",
	UntrustedContent:   "untrusted_content",
	ExfiltrationVector: "exfiltration_vector",
}

var descriptions = map[Condition]string{
	PrivateData:        "Access to private or sensitive data",
	UntrustedContent:   "Exposure to untrusted external content",
	ExfiltrationVector: "Ability to communicate externally",
}

// Parse maps a wire name to its Condition.
func Parse(name string) (Condition, error) {
	for c, n := range names {
		if n == name {
			return c, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCondition, name)
}

// Valid reports whether c is exactly one of the three conditions.
func (c Condition) Valid() bool {
	_, ok := names[c]
	return ok
}

func (c Condition) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	if c == None {
		return "none"
	}
	return fmt.Sprintf("condition(%d)", uint8(c))
}

// Description returns the human-readable meaning of the condition.
func (c Condition) Description() string {
	return descriptions[c]
}

// MarshalJSON encodes None as null and every other condition by name.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c == None {
		return []byte("null"), nil
	}
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCondition, uint8(c))
	}
	return json.Marshal(names[c])
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = None
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*c = None
		return nil
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Set is a bitmask of active conditions.
type Set uint8

// Trifecta is the set with all three conditions active.
const Trifecta = Set(PrivateData | UntrustedContent | ExfiltrationVector)

// SetFromMask validates a stored bitmask.
func SetFromMask(mask int64) (Set, error) {
	if mask < 0 || mask > int64(Trifecta) {
		return 0, fmt.Errorf("%w: mask %d", ErrUnknownCondition, mask)
	}
	return Set(mask), nil
}

// SetFromNames builds a Set from wire names. Duplicates collapse.
func SetFromNames(ns []string) (Set, error) {
	var s Set
	for _, n := range ns {
		c, err := Parse(n)
		if err != nil {
			return 0, err
		}
		s = s.With(c)
	}
	return s, nil
}

func (s Set) Has(c Condition) bool {
	return c != None && s&Set(c) == Set(c)
}

// With returns s plus c. Adding None or an already active condition is a no-op.
func (s Set) With(c Condition) Set {
	if !c.Valid() {
		return s
	}
	return s | Set(c)
}

// Complete reports whether all three conditions are active.
func (s Set) Complete() bool {
	return s == Trifecta
}

// Missing returns the conditions not yet active.
func (s Set) Missing() Set {
	return Trifecta &^ s
}

func (s Set) Len() int {
	return bits.OnesCount8(uint8(s & Trifecta))
}

// Names returns the active condition names sorted. Never nil.
func (s Set) Names() []string {
	out := make([]string, 0, Total)
	for _, c := range All {
		if s.Has(c) {
			out = append(out, names[c])
		}
	}
	return out
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var ns []string
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	parsed, err := SetFromNames(ns)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

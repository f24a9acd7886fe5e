package canonical

import "sort"

// Value is the closed set of canonical value shapes. Object keys are
// sorted at serialization time; arrays keep their original order.
type Value interface {
	kind() string
}

type Null struct{}

type Bool bool

type Number float64

type String string

type Array []Value

type Object map[string]Value

func (Null) kind() string   { return "null" }
func (Bool) kind() string   { return "bool" }
func (Number) kind() string { return "number" }
func (String) kind() string { return "string" }
func (Array) kind() string  { return "array" }
func (Object) kind() string { return "object" }

// SortedKeys returns the object's keys in byte-lexicographic order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package jsonspec applies composable change specs to decoded JSON documents.
//
// A spec is either a field spec, a JSON object whose keys name fields of the
// target object and whose values are nested specs, or a command array:
//
//	["=", value]       set the value
//	["unset"]          remove the field from its parent object
//	["+", number]      add to a number
//	["seq", s1, s2...] apply specs in order
//
// A nil spec changes nothing. Documents are never mutated in place.
package jsonspec

import (
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/exp/maps"
)

const (
	CommandSet   = "="
	CommandUnset = "unset"
	CommandAdd   = "+"
	CommandSeq   = "seq"
)

// Context implements the update and combine contract for `any` JSON values.
type Context struct{}

func NewContext() *Context {
	return &Context{}
}

func (self *Context) Update(state any, spec any) (any, error) {
	value, present, err := apply(state, true, spec)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("Cannot unset root")
	}
	return value, nil
}

// Combine returns one spec equivalent to applying `specs` in order.
func (self *Context) Combine(specs []any) any {
	parts := []any{}
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		if command, args, ok := asCommand(spec); ok && command == CommandSeq {
			for _, arg := range args {
				if arg != nil {
					parts = append(parts, arg)
				}
			}
			continue
		}
		parts = append(parts, spec)
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return append([]any{CommandSeq}, parts...)
	}
}

// Set is a convenience for `["=", value]`.
func Set(value any) any {
	return []any{CommandSet, value}
}

func Unset() any {
	return []any{CommandUnset}
}

func Add(n float64) any {
	return []any{CommandAdd, n}
}

func Seq(specs ...any) any {
	return append([]any{CommandSeq}, specs...)
}

// Parse decodes a JSON document or spec.
func Parse(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func asCommand(spec any) (string, []any, bool) {
	array, ok := spec.([]any)
	if !ok || len(array) == 0 {
		return "", nil, false
	}
	command, ok := array[0].(string)
	if !ok {
		return "", nil, false
	}
	return command, array[1:], true
}

// apply returns the new value and whether it is still present in its parent.
func apply(state any, present bool, spec any) (any, bool, error) {
	switch v := spec.(type) {
	case nil:
		return state, present, nil
	case map[string]any:
		return applyFields(state, present, v)
	case []any:
		command, args, ok := asCommand(v)
		if !ok {
			return nil, false, fmt.Errorf("Invalid command")
		}
		return applyCommand(state, present, command, args)
	default:
		return nil, false, fmt.Errorf("Invalid spec %v", spec)
	}
}

func applyFields(state any, present bool, fieldSpecs map[string]any) (any, bool, error) {
	var object map[string]any
	switch v := state.(type) {
	case map[string]any:
		object = v
	case nil:
		object = map[string]any{}
	default:
		return nil, false, fmt.Errorf("Cannot apply field spec to non-object")
	}

	var updated map[string]any
	for key, fieldSpec := range fieldSpecs {
		if updated == nil {
			updated = maps.Clone(object)
		}
		old, oldPresent := updated[key]
		value, valuePresent, err := apply(old, oldPresent, fieldSpec)
		if err != nil {
			return nil, false, err
		}
		if valuePresent {
			updated[key] = value
		} else {
			delete(updated, key)
		}
	}
	if updated == nil {
		return state, present, nil
	}
	return updated, true, nil
}

func applyCommand(state any, present bool, command string, args []any) (any, bool, error) {
	switch command {
	case CommandSet:
		if len(args) != 1 {
			return nil, false, fmt.Errorf("Invalid %s command", command)
		}
		return args[0], true, nil
	case CommandUnset:
		return nil, false, nil
	case CommandAdd:
		if len(args) != 1 {
			return nil, false, fmt.Errorf("Invalid %s command", command)
		}
		n, ok := args[0].(float64)
		if !ok {
			return nil, false, fmt.Errorf("Cannot add non-number")
		}
		var current float64
		switch v := state.(type) {
		case float64:
			current = v
		case nil:
		default:
			return nil, false, fmt.Errorf("Cannot add to non-number")
		}
		return current + n, true, nil
	case CommandSeq:
		for _, arg := range args {
			var err error
			state, present, err = apply(state, present, arg)
			if err != nil {
				return nil, false, err
			}
		}
		return state, present, nil
	default:
		return nil, false, fmt.Errorf("Unknown command %s", command)
	}
}

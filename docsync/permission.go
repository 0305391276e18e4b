package docsync

import (
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/exp/slices"
)

// Permission is consulted for every mutation.
type Permission[T any, SpecT any] interface {
	ValidateWrite(newValue T, oldValue T) error
}

// SpecPermission is an optional extension of `Permission` that can reject
// a spec before it is applied.
type SpecPermission[SpecT any] interface {
	ValidateWriteSpec(spec SpecT) error
}

type PermissionError struct {
	Message string
}

func NewPermissionError(format string, a ...any) *PermissionError {
	return &PermissionError{
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *PermissionError) Error() string {
	return self.Message
}

const ReadOnlyError = "Cannot modify data"

type readWrite[T any, SpecT any] struct{}

func ReadWrite[T any, SpecT any]() Permission[T, SpecT] {
	return readWrite[T, SpecT]{}
}

func (self readWrite[T, SpecT]) ValidateWrite(newValue T, oldValue T) error {
	return nil
}

type readOnly[T any, SpecT any] struct{}

func ReadOnly[T any, SpecT any]() Permission[T, SpecT] {
	return readOnly[T, SpecT]{}
}

func (self readOnly[T, SpecT]) ValidateWriteSpec(spec SpecT) error {
	return &PermissionError{Message: ReadOnlyError}
}

func (self readOnly[T, SpecT]) ValidateWrite(newValue T, oldValue T) error {
	return &PermissionError{Message: ReadOnlyError}
}

// ReadWriteStruct allows writes to any top level field except the read only fields.
// Values are compared by their json encoding, so `T` may be a struct or a map.
type ReadWriteStruct[T any, SpecT any] struct {
	readOnlyFields []string
}

func NewReadWriteStruct[T any, SpecT any](readOnlyFields ...string) *ReadWriteStruct[T, SpecT] {
	return &ReadWriteStruct[T, SpecT]{
		readOnlyFields: readOnlyFields,
	}
}

func (self *ReadWriteStruct[T, SpecT]) ValidateWrite(newValue T, oldValue T) error {
	newFields, err := jsonFields(newValue)
	if err != nil {
		return err
	}
	oldFields, err := jsonFields(oldValue)
	if err != nil {
		return err
	}
	for key := range oldFields {
		if _, ok := newFields[key]; !ok && slices.Contains(self.readOnlyFields, key) {
			return NewPermissionError("Cannot remove field %s", key)
		}
	}
	for _, key := range self.readOnlyFields {
		newField, ok := newFields[key]
		if !ok {
			continue
		}
		oldField, ok := oldFields[key]
		if !ok {
			return NewPermissionError("Cannot add field %s", key)
		}
		if string(newField) != string(oldField) {
			return NewPermissionError("Cannot edit field %s", key)
		}
	}
	return nil
}

func jsonFields(value any) (map[string]json.RawMessage, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(valueJson, &fields); err != nil {
		return nil, fmt.Errorf("Value must be an object: %w", err)
	}
	return fields, nil
}

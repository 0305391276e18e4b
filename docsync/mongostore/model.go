// Package mongostore keeps documents in a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bringyour/docsync/docsync"
)

// stored document fields
const (
	fieldId    = "_id"
	fieldValue = "value"
	fieldJson  = "json"
)

// record is the stored form of a document.
// `Value` mirrors the document for queries. `Json` is the canonical encoding
// that reads decode and writes compare against.
type record struct {
	Id    string `bson:"_id"`
	Value any    `bson:"value"`
	Json  string `bson:"json"`
}

// Model stores each document as one record keyed by the document id.
// Writes are conditional on the stored encoding matching the previous value.
type Model[T any] struct {
	collection *mongo.Collection
	validator  docsync.ValidatorFunction[T]
}

func NewModel[T any](collection *mongo.Collection, validator docsync.ValidatorFunction[T]) *Model[T] {
	if validator == nil {
		validator = docsync.AcceptAll[T]
	}
	return &Model[T]{
		collection: collection,
		validator:  validator,
	}
}

// Set creates or replaces a document.
func (self *Model[T]) Set(ctx context.Context, id string, value T) error {
	r, err := newRecord(id, value)
	if err != nil {
		return err
	}
	_, err = self.collection.ReplaceOne(
		ctx,
		bson.M{fieldId: id},
		r,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (self *Model[T]) Delete(ctx context.Context, id string) error {
	_, err := self.collection.DeleteOne(ctx, bson.M{fieldId: id})
	return err
}

// docsync.Model implementation

func (self *Model[T]) Read(ctx context.Context, id string) (T, bool, error) {
	var value T
	var r record
	err := self.collection.FindOne(
		ctx,
		bson.M{fieldId: id},
		options.FindOne().SetProjection(bson.M{fieldJson: 1}),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return value, false, nil
	} else if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal([]byte(r.Json), &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (self *Model[T]) Validate(value T) (T, error) {
	return self.validator(value)
}

func (self *Model[T]) Write(ctx context.Context, id string, newValue T, oldValue T) error {
	r, err := newRecord(id, newValue)
	if err != nil {
		return err
	}
	old, err := newRecord(id, oldValue)
	if err != nil {
		return err
	}
	result, err := self.collection.UpdateOne(
		ctx,
		bson.M{fieldId: id, fieldJson: old.Json},
		diffUpdate(old, r),
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return docsync.ErrUnexpectedPreviousValue
	}
	return nil
}

// diffUpdate writes only the top-level fields that changed.
// Non-object values, and objects with keys that are not valid field paths,
// are replaced whole.
func diffUpdate(old *record, r *record) bson.M {
	set := bson.M{
		fieldJson: r.Json,
	}
	unset := bson.M{}

	oldFields, oldOk := old.Value.(map[string]any)
	fields, ok := r.Value.(map[string]any)
	if !oldOk || !ok || !validPaths(oldFields) || !validPaths(fields) {
		set[fieldValue] = r.Value
		return bson.M{"$set": set}
	}

	for key, value := range fields {
		if oldValue, ok := oldFields[key]; !ok || !reflect.DeepEqual(oldValue, value) {
			set[fieldValue+"."+key] = value
		}
	}
	for key := range oldFields {
		if _, ok := fields[key]; !ok {
			unset[fieldValue+"."+key] = ""
		}
	}

	update := bson.M{"$set": set}
	if 0 < len(unset) {
		update["$unset"] = unset
	}
	return update
}

func validPaths(fields map[string]any) bool {
	for key := range fields {
		if key == "" || strings.Contains(key, ".") || strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func newRecord[T any](id string, value T) (*record, error) {
	valueJson, err := canonicalJson(value)
	if err != nil {
		return nil, err
	}
	// decode to plain maps and slices, which bson encodes as documents and arrays
	var plain any
	if err := json.Unmarshal([]byte(valueJson), &plain); err != nil {
		return nil, err
	}
	return &record{
		Id:    id,
		Value: plain,
		Json:  valueJson,
	}, nil
}

// canonicalJson encodes a value so equal documents have equal encodings.
// Values are round tripped through `any` so object keys are sorted
// regardless of the struct field order of `T`.
func canonicalJson[T any](value T) (string, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var plain any
	if err := json.Unmarshal(valueJson, &plain); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}

package docsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestInMemoryModel(t *testing.T) {
	ctx := context.Background()

	model := NewInMemoryModel[testDoc](func(value testDoc) (testDoc, error) {
		if value.Title == "" {
			return value, errors.New("Title required")
		}
		return value, nil
	})

	_, ok, err := model.Read(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, false, ok)

	model.Set("a", testDoc{Title: "one"})
	value, ok, err := model.Read(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, "one", value.Title)

	_, err = model.Validate(testDoc{})
	assert.NotEqual(t, err, nil)

	assert.Equal(t, model.Write(ctx, "a", testDoc{Title: "two"}, testDoc{Title: "one"}), nil)
	value, _ = model.Get("a")
	assert.Equal(t, "two", value.Title)

	// optimistic check against the previous value
	err = model.Write(ctx, "a", testDoc{Title: "three"}, testDoc{Title: "one"})
	assert.Equal(t, ErrUnexpectedPreviousValue, err)

	model.Delete("a")
	err = model.Write(ctx, "a", testDoc{Title: "three"}, testDoc{Title: "two"})
	assert.Equal(t, ErrUnexpectedPreviousValue, err)
}

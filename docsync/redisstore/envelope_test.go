package redisstore

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bringyour/docsync/docsync"
)

func TestEnvelopeChange(t *testing.T) {
	message := docsync.TopicMessage[any]{
		Message: docsync.ChangeOf[any](map[string]any{"foo": []any{"=", "v2"}}),
		Source:  "01HZX",
		Meta:    int64(-7),
	}
	b, err := EncodeEnvelope(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope[any](b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Source, "01HZX")
	assert.Equal(t, decoded.Message.IsError, false)
	assert.Equal(t, decoded.Message.Change, map[string]any{"foo": []any{"=", "v2"}})
	assert.Equal(t, decoded.Meta, int64(-7))
}

func TestEnvelopeErrorWithoutMeta(t *testing.T) {
	message := docsync.TopicMessage[any]{
		Message: docsync.ErrorOf[any]("Cannot modify data"),
	}
	b, err := EncodeEnvelope(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeEnvelope[any](b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Source, "")
	assert.Equal(t, decoded.Message.IsError, true)
	assert.Equal(t, decoded.Message.Error, "Cannot modify data")
	assert.Equal(t, decoded.Meta, nil)
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	b, err := EncodeEnvelope(docsync.TopicMessage[any]{
		Message: docsync.ChangeOf[any](nil),
		Source:  "s",
	})
	assert.Equal(t, err, nil)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	decoded, err := DecodeEnvelope[any](b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Source, "s")
	assert.Equal(t, decoded.Message.Change, nil)
}

func TestEnvelopeRejects(t *testing.T) {
	_, err := EncodeEnvelope(docsync.TopicMessage[any]{Meta: "not an id"})
	assert.NotEqual(t, err, nil)

	_, err = DecodeEnvelope[any]([]byte{0x0a, 0x05, 'a'})
	assert.NotEqual(t, err, nil)
}

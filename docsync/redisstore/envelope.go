package redisstore

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bringyour/docsync/docsync"
)

// envelope fields
const (
	fieldSource  protowire.Number = 1
	fieldIsError protowire.Number = 2
	fieldError   protowire.Number = 3
	fieldChange  protowire.Number = 4
	fieldMeta    protowire.Number = 5
)

// EncodeEnvelope encodes a topic message in protobuf wire format.
// The change is carried as json. Meta must be nil or an int64 echo id.
func EncodeEnvelope[SpecT any](message docsync.TopicMessage[SpecT]) ([]byte, error) {
	var b []byte
	if message.Source != "" {
		b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
		b = protowire.AppendString(b, message.Source)
	}
	if message.Message.IsError {
		b = protowire.AppendTag(b, fieldIsError, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, message.Message.Error)
	} else {
		changeJson, err := json.Marshal(message.Message.Change)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldChange, protowire.BytesType)
		b = protowire.AppendBytes(b, changeJson)
	}
	switch meta := message.Meta.(type) {
	case nil:
	case int64:
		b = protowire.AppendTag(b, fieldMeta, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(meta))
	default:
		return nil, fmt.Errorf("Unsupported meta type %T", message.Meta)
	}
	return b, nil
}

func DecodeEnvelope[SpecT any](b []byte) (docsync.TopicMessage[SpecT], error) {
	var message docsync.TopicMessage[SpecT]
	for 0 < len(b) {
		number, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return message, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case number == fieldSource && wireType == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			message.Source = v
			b = b[n:]
		case number == fieldIsError && wireType == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			message.Message.IsError = protowire.DecodeBool(v)
			b = b[n:]
		case number == fieldError && wireType == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			message.Message.Error = v
			b = b[n:]
		case number == fieldChange && wireType == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			if err := json.Unmarshal(v, &message.Message.Change); err != nil {
				return message, err
			}
			b = b[n:]
		case number == fieldMeta && wireType == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			message.Meta = protowire.DecodeZigZag(v)
			b = b[n:]
		default:
			// skip unknown fields
			n := protowire.ConsumeFieldValue(number, wireType, b)
			if n < 0 {
				return message, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if message.Message.IsError && message.Message.Error == "" {
		return message, errors.New("Error message missing")
	}
	return message, nil
}

package docsync

import (
	"errors"

	"github.com/goccy/go-json"
)

// single character control frames, sent as text
const (
	// client -> server, answered with `Pong`
	Ping = "P"
	Pong = "p"
	// server -> client graceful close request
	Close = "X"
	// client -> server close acknowledgement
	CloseAck = "x"
)

// ChangeMessage is sent by clients. A nil `Id` means no echo id is needed.
type ChangeMessage struct {
	Change json.RawMessage `json:"change"`
	Id     *int64          `json:"id,omitempty"`
}

// ServerMessage is one of init, change, or error.
type ServerMessage struct {
	Init   json.RawMessage `json:"init,omitempty"`
	Change json.RawMessage `json:"change,omitempty"`
	Error  *string         `json:"error,omitempty"`
	Id     *int64          `json:"id,omitempty"`
}

func (self *ServerMessage) IsInit() bool {
	return self.Init != nil
}

func (self *ServerMessage) IsChange() bool {
	return self.Change != nil
}

func (self *ServerMessage) IsError() bool {
	return self.Error != nil
}

var errInvalidChangeMessage = errors.New("Must specify change and optional id")
var errInvalidId = errors.New("if specified, id must be a number")

// UnpackMessage parses a client change message.
func UnpackMessage(data []byte) (*ChangeMessage, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, errInvalidChangeMessage
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	message := &ChangeMessage{
		Change: fields["change"],
	}
	if idJson, ok := fields["id"]; ok {
		var id any
		if err := json.Unmarshal(idJson, &id); err != nil {
			return nil, err
		}
		number, ok := id.(float64)
		if !ok || number != float64(int64(number)) {
			return nil, errInvalidId
		}
		intId := int64(number)
		message.Id = &intId
	}
	return message, nil
}

func PackInit(init any) ([]byte, error) {
	initJson, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&ServerMessage{
		Init: initJson,
	})
}

// PackChangeInfo encodes a broadcast result. `id` is the sender's echo id, or nil.
func PackChangeInfo[SpecT any](message ChangeInfo[SpecT], id *int64) ([]byte, error) {
	if message.IsError {
		return PackError(message.Error, id)
	}
	changeJson, err := json.Marshal(message.Change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&ServerMessage{
		Change: changeJson,
		Id:     id,
	})
}

func PackError(errorMessage string, id *int64) ([]byte, error) {
	return json.Marshal(&ServerMessage{
		Error: &errorMessage,
		Id:    id,
	})
}

func PackChange(change any, id *int64) ([]byte, error) {
	changeJson, err := json.Marshal(change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&ChangeMessage{
		Change: changeJson,
		Id:     id,
	})
}

// ParseServerMessage parses any non control frame from the server.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var message ServerMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

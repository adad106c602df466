package websocket

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

type SocketMessageType int

const (
	Update SocketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is a struct that allows us to define the
// command that has been passed through the web socket.
// The Id field can be used when replying to this message
// so the receiving client is aware of which message this reply
// is for. Origin is much for the same - it allows us to
// attribute the message to the session it arrived on.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Id     int                    `json:"id"`
	Type   SocketMessageType      `json:"type"`
	Origin *uuid.UUID             `json:"-"`
}

// DecodeArguments decodes the body of this message in to the
// struct pointed to by out, using the 'mapstructure' tags of
// the struct. Keys in the body which are not present in the struct
// are rejected.
func (message *SocketMessage) DecodeArguments(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(message.Body); err != nil {
		return fmt.Errorf("arguments of '%s' command are malformed: %w", message.Title, err)
	}

	return nil
}

// FormReply is a method on a SocketMessage that will
// return a NEW message that has the same origin/id as
// the original message, but with a new (caller provided) title,
// type, and arguments.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]interface{}, replyType SocketMessageType) *SocketMessage {
	if replyBody != nil {
		replyBody["command"] = message.Title
	}

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Origin: message.Origin,
	}
}

func (t SocketMessageType) String() string {
	switch t {
	case Update:
		return fmt.Sprintf("UPDATE[%d]", t)
	case Command:
		return fmt.Sprintf("COMMAND[%d]", t)
	case Response:
		return fmt.Sprintf("RESPONSE[%d]", t)
	case ErrorResponse:
		return fmt.Sprintf("ERROR_RESPONSE[%d]", t)
	case Welcome:
		return fmt.Sprintf("WELCOME[%d]", t)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", t)
	}
}

package cdp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"
)

// Event represents a CDP event notification.
// SessionID is empty for browser-level events.
type Event struct {
	SessionID target.SessionID
	Method    string
	Params    easyjson.RawMessage
}

// Get returns the value at path inside the event params (gjson syntax).
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Params, path)
}

// Decode unmarshals the params into the typed cdproto event for Method.
// Methods cdproto does not know decode to *UnknownEvent rather than failing.
func (e Event) Decode() (any, error) {
	params := e.Params
	if len(params) == 0 {
		params = easyjson.RawMessage("{}")
	}
	msg := cdproto.Message{Method: cdproto.MethodType(e.Method), Params: params}
	v, err := cdproto.UnmarshalMessage(&msg)
	var unknown cdptypes.ErrUnknownCommandOrEvent
	if errors.As(err, &unknown) {
		return &UnknownEvent{Method: e.Method, Params: e.Params}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.Method, err)
	}
	return v, nil
}

// UnknownEvent carries an event whose method has no typed definition.
type UnknownEvent struct {
	Method string
	Params easyjson.RawMessage
}

// messageKind is the classification of an inbound frame.
type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindEvent
)

// decodeMessage parses a raw CDP frame.
// Frames with an id are responses, frames with only a method are events.
func decodeMessage(data []byte) (*cdproto.Message, messageKind, error) {
	var msg cdproto.Message
	l := jlexer.Lexer{Data: data}
	msg.UnmarshalEasyJSON(&l)
	if err := l.Error(); err != nil {
		return nil, kindInvalid, fmt.Errorf("failed to parse CDP message: %w", err)
	}

	switch {
	case msg.ID != 0:
		return &msg, kindResponse, nil
	case msg.Method != "":
		return &msg, kindEvent, nil
	}
	return nil, kindInvalid, fmt.Errorf("unknown CDP message format: %s", string(data))
}

// encodeMessage serializes an outbound command frame.
func encodeMessage(msg *cdproto.Message) ([]byte, error) {
	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// marshalParams turns command params into raw JSON.
// Typed cdproto params go through easyjson; anything else (maps, ad hoc
// structs) falls back to encoding/json.
func marshalParams(params any) (easyjson.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case easyjson.RawMessage:
		return p, nil
	case json.RawMessage:
		return easyjson.RawMessage(p), nil
	case easyjson.Marshaler:
		return easyjson.Marshal(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

package connection

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes commands and decodes server frames for one wire format.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	decodeFrame(data []byte) (frame, error)
	decodeChange(data []byte) (changeMsg, error)
	decodeBroadcast(data []byte) (broadcastMsg, error)
}

// Supported codecs.
var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// CodecByName returns the codec registered under name ("" means json).
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// Wire layouts share field names across codecs; R is the codec's raw type.
type wireFrame[R ~[]byte] struct {
	ID   int64  `json:"id,omitempty"`
	Type string `json:"type"`
	SID  int64  `json:"sid,omitempty"`
	Msg  R      `json:"msg,omitempty"`
}

func (w wireFrame[R]) frame() frame {
	return frame{ID: w.ID, Type: w.Type, SID: w.SID, Msg: nonNull(w.Msg)}
}

// nonNull maps an encoded null (JSON or msgpack nil) to an empty payload.
func nonNull[R ~[]byte](raw R) []byte {
	b := []byte(raw)
	if string(b) == "null" || (len(b) == 1 && b[0] == 0xc0) {
		return nil
	}
	return b
}

type wireChange[R ~[]byte] struct {
	Resource  string `json:"resource"`
	Event     string `json:"event"`
	Record    R      `json:"record,omitempty"`
	OldRecord R      `json:"old_record,omitempty"`
	CommitTs  int64  `json:"commit_ts,omitempty"`
}

func (w wireChange[R]) change() changeMsg {
	return changeMsg{
		Resource:  w.Resource,
		Event:     w.Event,
		Record:    nonNull(w.Record),
		OldRecord: nonNull(w.OldRecord),
		CommitTs:  w.CommitTs,
	}
}

type wireBroadcast[R ~[]byte] struct {
	Event   string `json:"event"`
	Payload R      `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) decodeFrame(data []byte) (frame, error) {
	var w wireFrame[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return frame{}, err
	}
	return w.frame(), nil
}

func (jsonCodec) decodeChange(data []byte) (changeMsg, error) {
	var w wireChange[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return changeMsg{}, err
	}
	return w.change(), nil
}

func (jsonCodec) decodeBroadcast(data []byte) (broadcastMsg, error) {
	var w wireBroadcast[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return broadcastMsg{}, err
	}
	return broadcastMsg{Event: w.Event, Payload: nonNull(w.Payload)}, nil
}

// msgpackCodec reuses the json struct tags so one set of types serves both.
type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return "msgpack" }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (c msgpackCodec) decodeFrame(data []byte) (frame, error) {
	var w wireFrame[msgpack.RawMessage]
	if err := c.Unmarshal(data, &w); err != nil {
		return frame{}, err
	}
	return w.frame(), nil
}

func (c msgpackCodec) decodeChange(data []byte) (changeMsg, error) {
	var w wireChange[msgpack.RawMessage]
	if err := c.Unmarshal(data, &w); err != nil {
		return changeMsg{}, err
	}
	return w.change(), nil
}

func (c msgpackCodec) decodeBroadcast(data []byte) (broadcastMsg, error) {
	var w wireBroadcast[msgpack.RawMessage]
	if err := c.Unmarshal(data, &w); err != nil {
		return broadcastMsg{}, err
	}
	return broadcastMsg{Event: w.Event, Payload: nonNull(w.Payload)}, nil
}

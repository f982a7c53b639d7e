package signal

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	frameRequest      = "request"
	frameResponse     = "response"
	frameNotification = "notification"
)

// frame is the signaling envelope. Data always holds JSON so handlers see
// the same payload whatever the wire codec is.
type frame struct {
	Type        string          `json:"type"`
	ID          uint64          `json:"id,omitempty"`
	Method      string          `json:"method,omitempty"`
	OK          bool            `json:"ok,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	ErrorCode   int             `json:"errorCode,omitempty"`
	ErrorReason string          `json:"errorReason,omitempty"`
}

// Codec turns frames into websocket messages and back.
type Codec interface {
	Name() string
	MessageType() int
	Encode(f frame) ([]byte, error)
	Decode(b []byte) (frame, error)
}

// CodecByName picks the wire codec requested by a client. Empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type JSONCodec struct{}

func (JSONCodec) Name() string     { return "json" }
func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Encode(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Decode(b []byte) (frame, error) {
	var f frame
	err := json.Unmarshal(b, &f)
	return f, err
}

// MsgpackCodec carries the envelope as binary msgpack frames.
type MsgpackCodec struct{}

type msgpackFrame struct {
	Type        string `msgpack:"type"`
	ID          uint64 `msgpack:"id,omitempty"`
	Method      string `msgpack:"method,omitempty"`
	OK          bool   `msgpack:"ok,omitempty"`
	Data        any    `msgpack:"data,omitempty"`
	ErrorCode   int    `msgpack:"errorCode,omitempty"`
	ErrorReason string `msgpack:"errorReason,omitempty"`
}

func (MsgpackCodec) Name() string     { return "msgpack" }
func (MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(f frame) ([]byte, error) {
	mf := msgpackFrame{
		Type:        f.Type,
		ID:          f.ID,
		Method:      f.Method,
		OK:          f.OK,
		ErrorCode:   f.ErrorCode,
		ErrorReason: f.ErrorReason,
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &mf.Data); err != nil {
			return nil, fmt.Errorf("msgpack encode data: %w", err)
		}
	}
	return msgpack.Marshal(&mf)
}

func (MsgpackCodec) Decode(b []byte) (frame, error) {
	var mf msgpackFrame
	if err := msgpack.Unmarshal(b, &mf); err != nil {
		return frame{}, err
	}
	f := frame{
		Type:        mf.Type,
		ID:          mf.ID,
		Method:      mf.Method,
		OK:          mf.OK,
		ErrorCode:   mf.ErrorCode,
		ErrorReason: mf.ErrorReason,
	}
	if mf.Data != nil {
		raw, err := json.Marshal(mf.Data)
		if err != nil {
			return frame{}, fmt.Errorf("msgpack decode data: %w", err)
		}
		f.Data = raw
	}
	return f, nil
}

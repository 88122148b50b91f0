package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound message. It returns ErrMalformed for invalid
// JSON or failed validation and ErrUnknownType for an unrecognised tag; the
// returned error names the tag so callers can log it.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var msg Inbound
	var err error
	switch env.Type {
	case TypeRegister:
		msg, err = decodeAs[Register](data)
	case TypeStatus:
		msg, err = decodeAs[Status](data)
	case TypePlaylistStatus:
		msg, err = decodeAs[PlaylistStatus](data)
	case TypeDownloadProgress:
		msg, err = decodeAs[DownloadProgress](data)
	case TypeGetDownloadState:
		msg = GetDownloadState{}
	case TypeVolume:
		msg, err = decodeAs[Volume](data)
	case TypeScreenshot:
		msg, err = decodeAs[Screenshot](data)
	case TypeError:
		msg, err = decodeAs[Error](data)
	case TypeCommand:
		msg, err = decodeAs[Command](data)
	case TypeDelete:
		msg, err = decodeAs[Delete](data)
	case TypePing:
		msg = Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}

	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Inbound](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func validate(msg Inbound) error {
	switch m := msg.(type) {
	case Register:
		if m.Token == "" {
			return fmt.Errorf("token is required")
		}
	case PlaylistStatus:
		if !ValidPlaylistStatus(m.Status) {
			return fmt.Errorf("unknown playlist status %q", m.Status)
		}
	case DownloadProgress:
		if m.ContentID == "" {
			return fmt.Errorf("contentId is required")
		}
	case Volume:
		if m.Volume < 0 || m.Volume > 100 {
			return fmt.Errorf("volume %d out of range [0,100]", m.Volume)
		}
	case Command:
		if m.Command == "" {
			return fmt.Errorf("command is required")
		}
		if m.Volume != nil && (*m.Volume < 0 || *m.Volume > 100) {
			return fmt.Errorf("volume %d out of range [0,100]", *m.Volume)
		}
	case Delete:
		switch m.Action {
		case DeleteStarted, DeleteSuccess, DeleteError:
		default:
			return fmt.Errorf("unknown delete action %q", m.Action)
		}
		if m.EntityType == "" || m.EntityID == "" {
			return fmt.Errorf("entityType and entityId are required")
		}
	}
	return nil
}

// Encode marshals msg with its type tag as the first field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: not a JSON object", msg.MessageType())
	}

	tag, _ := json.Marshal(msg.MessageType()) //nolint:errcheck // strings always marshal

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built from known-good values.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// NewEvent builds an admin event stamped with the current time.
func NewEvent(event, token string, payload any) Event {
	return Event{
		Event:     event,
		Token:     token,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// DecodeOutbound parses a server-to-client message. The device agent uses
// it; the server never needs it.
func DecodeOutbound(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeRegistered:
		msg, err = unmarshalAs[Registered](data)
	case TypeCommand:
		msg, err = unmarshalAs[Command](data)
	case TypeContent:
		msg, err = unmarshalAs[Content](data)
	case TypeDelete:
		msg, err = unmarshalAs[Delete](data)
	case TypeDownloadState:
		msg, err = unmarshalAs[DownloadState](data)
	case TypeError:
		msg, err = unmarshalAs[Error](data)
	case TypeEvent:
		msg, err = unmarshalAs[Event](data)
	case TypePong:
		msg = Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func unmarshalAs[T Message](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

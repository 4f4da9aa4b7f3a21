package libmux

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Codec turns envelopes into socket frames and socket frames into
// Inbound values. Result and event payloads stay encoded until a caller
// decodes them with Unmarshal.
type Codec interface {
	Name() string
	FrameType() MessageType
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	DecodeFrame(data []byte) ([]Inbound, error)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "cbor":
		return CBORCodec, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

var (
	JSONCodec Codec = jsonCodec{}
	CBORCodec Codec = newCBORCodec()
)

type jsonCodec struct{}

type jsonInbound struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
	Data   json.RawMessage `json:"data"`
	Topics []string        `json:"topics"`
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) FrameType() MessageType { return TextMessage }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) DecodeFrame(data []byte) ([]Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty frame")
	}

	var raw []jsonInbound
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
	} else {
		var one jsonInbound
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
		raw = []jsonInbound{one}
	}

	out := make([]Inbound, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" && r.Type == "" {
			return nil, errors.Wrap(ErrProtocol, "frame carries neither id nor type")
		}
		out = append(out, Inbound{
			ID:     r.ID,
			Type:   r.Type,
			Result: r.Result,
			Error:  r.Error,
			Data:   r.Data,
			Topics: r.Topics,
		})
	}
	return out, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborInbound struct {
	ID     string          `cbor:"id"`
	Type   string          `cbor:"type"`
	Result cbor.RawMessage `cbor:"result"`
	Error  *RemoteError    `cbor:"error"`
	Data   cbor.RawMessage `cbor:"data"`
	Topics []string        `cbor:"topics"`
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("libmux: CBOR encoder initialization failed: " + err.Error())
	}
	// any-typed targets decode maps as map[string]any so payloads look
	// the same as with the JSON codec.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("libmux: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) FrameType() MessageType { return BinaryMessage }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return c.dec.Unmarshal(data, v)
}

func (c cborCodec) DecodeFrame(data []byte) ([]Inbound, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty frame")
	}

	var raw []cborInbound
	// major type 4 is an array
	if data[0]&0xe0 == 0x80 {
		if err := c.dec.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
	} else {
		var one cborInbound
		if err := c.dec.Unmarshal(data, &one); err != nil {
			return nil, errors.Wrap(ErrProtocol, err.Error())
		}
		raw = []cborInbound{one}
	}

	out := make([]Inbound, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" && r.Type == "" {
			return nil, errors.Wrap(ErrProtocol, "frame carries neither id nor type")
		}
		out = append(out, Inbound{
			ID:     r.ID,
			Type:   r.Type,
			Result: r.Result,
			Error:  r.Error,
			Data:   r.Data,
			Topics: r.Topics,
		})
	}
	return out, nil
}

package api

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
)

// Codec encodes the payloads of one topic format.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) ContentType() string                { return "application/json" }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (cborCodec) ContentType() string                  { return "application/cbor" }

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("api: cbor encoder: " + err.Error())
	}
	// Nested template parameters decode as map[string]any like they do from JSON.
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("api: cbor decoder: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// CodecFor returns the codec of a topic format.
func CodecFor(format string) (Codec, error) {
	switch format {
	case provisioning.FormatJSON:
		return JSON, nil
	case provisioning.FormatCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("%w: unsupported payload format %q", interfaces.ErrParameter, format)
}

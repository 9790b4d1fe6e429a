package router

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	MimeJSON  = "application/json"
	MimeCBOR  = "application/cbor"
	MimeText  = "text/plain"
	MimeBytes = "application/octet-stream"
)

// Codec turns handler values into reply bytes and request bodies into
// values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborCodec encodes with core deterministic options and decodes untyped
// maps as map[string]any so results mix freely with JSON values.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("router: cbor encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("router: cbor decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// JSON and CBOR are the codecs every router starts with.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// baseMimetype strips parameters and case from a media type.
func baseMimetype(m string) string {
	base, _, _ := strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

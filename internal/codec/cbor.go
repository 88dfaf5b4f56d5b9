// Package codec is the CBOR encoding used on the scanner wire and for cached
// catalog payloads. Encoding is deterministic: the same value always
// produces the same bytes.
package codec

import (
	"io"
	"mime"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const ContentType = "application/cbor"

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep offsets; devices compare timestamps in the venue zone.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Accepts reports whether an Accept header asks for CBOR.
func Accepts(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == ContentType {
			return true
		}
	}
	return false
}

// IsCBOR reports whether a Content-Type header names CBOR.
func IsCBOR(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == ContentType
}

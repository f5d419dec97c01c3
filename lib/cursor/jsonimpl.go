package cursor

import (
	"encoding/json"

	"github.com/fluxrill/pdal/lib/backend"
)

// NewJSONCodec creates a codec using JSON. Bigger tokens than the binary
// codec, but human-readable, which helps when debugging stored cursors.
func NewJSONCodec() ICursorCodec {
	return &jsonCodecImpl{}
}

// jsonCodecImpl implements ICursorCodec using encoding/json.
type jsonCodecImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see ICursorCodec)
// --------------------------------------------------------------------------

func (c jsonCodecImpl) Encode(t Token) ([]byte, error) {
	return json.Marshal(t)
}

func (c jsonCodecImpl) Decode(data []byte, t *Token) error {
	if err := json.Unmarshal(data, t); err != nil {
		return backend.WrapError(backend.RetCCursorExpired, "unreadable cursor", err)
	}
	return nil
}

package beacon

import (
	"github.com/fxamacker/cbor/v2"
)

// Records persisted by the core use CBOR Core Deterministic Encoding, so the
// same identity always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("beacon: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("beacon: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalRecord(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalRecord(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

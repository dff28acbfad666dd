// Package codec holds the CBOR encoding used for record parameters at
// rest. Core Deterministic Encoding means the same parameters always
// produce identical bytes, so a stored row never changes when rewritten.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Parameter maps always have string keys. Without this the
		// decoder picks map[interface{}]interface{} for any-typed targets.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Positive integers decode as int64 rather than uint64 so values
		// read back compare equal to the values recorded.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

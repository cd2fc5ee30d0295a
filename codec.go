package fluxline

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

var (
	ErrMustPointer = errors.New("value must be a pointer")
	ErrEncoding    = errors.New("failed to encode value")
	ErrDecoding    = errors.New("failed to decode value")
)

// EncodePayload serializes a typed value into the byte payload the engine
// carries around. Pointers are flattened to their element first.
func EncodePayload(value interface{}) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	if reflect.TypeOf(value).Kind() == reflect.Ptr {
		value = reflect.ValueOf(value).Elem().Interface()
	}

	buf := new(bytes.Buffer)
	if err := rtl.Encode(value, buf); err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}

	return buf.Bytes(), nil
}

// DecodePayload deserializes an engine payload into out, which must be a
// pointer.
func DecodePayload(data []byte, out interface{}) error {
	if out == nil || reflect.TypeOf(out).Kind() != reflect.Ptr {
		return ErrMustPointer
	}
	if len(data) == 0 {
		return errors.Join(ErrDecoding, fmt.Errorf("empty payload"))
	}
	if err := rtl.Decode(bytes.NewBuffer(data), out); err != nil {
		return errors.Join(ErrDecoding, err)
	}
	return nil
}

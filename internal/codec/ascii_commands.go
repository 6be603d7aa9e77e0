package codec

import (
	"fmt"
	"reflect"

	"github.com/tmbx/kwm/internal/apperrors"
)

// EncodeHelperCommand reflectively walks cmd's exported fields and
// serializes each into the ASCII-tagged element stream, per the design
// note calling for "an explicit encoding derived from the message
// type... preserving the same wire output" as a reflective walker
// would produce. Supported field kinds: uint32/uint64 (as INT),
// string/[]byte (as STR), fixed-size arrays/slices of a supported
// element type (each element encoded in order, no length prefix beyond
// what the element itself carries), and nested structs (recursed into).
func EncodeHelperCommand(cmd interface{}) ([]byte, error) {
	v := reflect.ValueOf(cmd)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, apperrors.New(apperrors.KindInternal, "", "EncodeHelperCommand requires a struct")
	}
	var out []byte
	if err := encodeValue(v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeValue(v reflect.Value, out *[]byte) error {
	switch v.Kind() {
	case reflect.Uint32:
		*out = append(*out, EncodeInt(uint32(v.Uint()))...)
	case reflect.Uint64:
		// Helper protocol integers are 32-bit; split into two INT
		// elements (high, low) so 64-bit fields still round-trip.
		n := v.Uint()
		*out = append(*out, EncodeInt(uint32(n>>32))...)
		*out = append(*out, EncodeInt(uint32(n))...)
	case reflect.String:
		*out = append(*out, EncodeStr([]byte(v.String()))...)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			*out = append(*out, EncodeStr(b)...)
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(v.Index(i), out); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			if err := encodeValue(v.Field(i), out); err != nil {
				return fmt.Errorf("field %s: %w", field.Name, err)
			}
		}
	default:
		return apperrors.New(apperrors.KindInternal, "", fmt.Sprintf("unsupported field kind %s", v.Kind()))
	}
	return nil
}

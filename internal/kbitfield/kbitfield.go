// Package kbitfield packs and unpacks tagged struct fields into a single
// integer. Adapted from the teacher kernel's src/bitfield package (itself a
// simplified golang.org/x/text/internal/gen/bitfield); this version adds
// Unpack, which the teacher never needed because it only ever packed
// PageFlags for display and never read them back. The kernel uses it to
// pack each file-descriptor table slot's flags (close-on-exec bit, open
// mode) into a single compact word for the /proc/<pid>/status dump.
package kbitfield

import (
	"fmt"
	"reflect"
)

// Config bounds the packed representation's width.
type Config struct {
	NumBits uint
}

type fieldSpec struct {
	name   string
	bits   uint
	offset uint
}

func walk(t reflect.Type) ([]fieldSpec, error) {
	var specs []fieldSpec
	var offset uint
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue
		}
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			var methodName string
			if _, err := fmt.Sscanf(tag, "%s,%d", &methodName, &bits); err != nil {
				return nil, fmt.Errorf("kbitfield: invalid tag %q on field %s", tag, f.Name)
			}
		}
		if bits == 0 {
			continue
		}
		specs = append(specs, fieldSpec{name: f.Name, bits: bits, offset: offset})
		offset += bits
	}
	return specs, nil
}

// Pack packs annotated bit ranges of struct x into an integer. Only fields
// tagged `bitfield:",N"` are packed, in declaration order, LSB first.
func Pack(x interface{}, c *Config) (uint64, error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("kbitfield: expected struct, got %v", v.Kind())
	}
	specs, err := walk(v.Type())
	if err != nil {
		return 0, err
	}

	var packed uint64
	for _, s := range specs {
		fv := v.FieldByName(s.name)
		var bits uint64
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				bits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bits = fv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fv.Int()
			if val < 0 {
				return 0, fmt.Errorf("kbitfield: negative value %d for field %s", val, s.name)
			}
			bits = uint64(val)
		default:
			return 0, fmt.Errorf("kbitfield: unsupported kind %v for field %s", fv.Kind(), s.name)
		}
		maxValue := uint64(1)<<s.bits - 1
		if bits > maxValue {
			return 0, fmt.Errorf("kbitfield: value %d exceeds %d bits for field %s", bits, s.bits, s.name)
		}
		packed |= bits << s.offset
	}
	if c.NumBits > 0 {
		total := uint(0)
		if len(specs) > 0 {
			last := specs[len(specs)-1]
			total = last.offset + last.bits
		}
		if total > c.NumBits {
			return 0, fmt.Errorf("kbitfield: total bits %d exceeds NumBits %d", total, c.NumBits)
		}
	}
	return packed, nil
}

// Unpack reverses Pack, writing field values from packed into the addressed
// struct x (which must be a pointer to the same struct shape used to pack).
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("kbitfield: Unpack requires a pointer to struct")
	}
	v = v.Elem()
	specs, err := walk(v.Type())
	if err != nil {
		return err
	}
	for _, s := range specs {
		mask := uint64(1)<<s.bits - 1
		bits := (packed >> s.offset) & mask
		fv := v.FieldByName(s.name)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(bits))
		default:
			return fmt.Errorf("kbitfield: unsupported kind %v for field %s", fv.Kind(), s.name)
		}
	}
	return nil
}

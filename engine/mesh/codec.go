package mesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Binary map serialization shared by the asset header, the skin and
// decomposition blocks, and the upload container. Big-endian, marker-typed:
//
//	'{' u32 count, then count * ('k' u32 len key-bytes, value)
//	'[' u32 count, then count * value
//	'i' int64
//	'r' float64 (IEEE 754 bits)
//	's' u32 len, bytes
//	'b' u32 len, bytes
//
// Decoding reports how many bytes were consumed because block offsets in a
// mesh asset are relative to the end of its own header serialization.

const (
	markerMap    = '{'
	markerArray  = '['
	markerKey    = 'k'
	markerInt    = 'i'
	markerReal   = 'r'
	markerString = 's'
	markerBinary = 'b'
)

const maxCollectionLen = 1 << 20

var ErrCodecTruncated = fmt.Errorf("binary map data truncated")

// DecodeValue reads one value off data and returns it along with the number
// of bytes consumed.
func DecodeValue(data []byte) (interface{}, int, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, d.pos, err
	}
	return v, d.pos, nil
}

// DecodeMap is DecodeValue restricted to a top-level map.
func DecodeMap(data []byte) (map[string]interface{}, int, error) {
	v, n, err := DecodeValue(data)
	if err != nil {
		return nil, n, err
	}
	mp, ok := v.(map[string]interface{})
	if !ok {
		return nil, n, fmt.Errorf("binary map data: top-level value is not a map")
	}
	return mp, n, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrCodecTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.pos+4 > len(d.data) {
		return 0, ErrCodecTruncated
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if d.pos+8 > len(d.data) {
		return 0, ErrCodecTruncated
	}
	v := binary.BigEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) bytes(n uint32) ([]byte, error) {
	if uint64(d.pos)+uint64(n) > uint64(len(d.data)) {
		return nil, ErrCodecTruncated
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) value() (interface{}, error) {
	marker, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case markerMap:
		count, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if count > maxCollectionLen {
			return nil, fmt.Errorf("binary map data: unreasonable map size %d", count)
		}
		mp := make(map[string]interface{}, count)
		for i := uint32(0); i < count; i++ {
			km, err := d.byte()
			if err != nil {
				return nil, err
			}
			if km != markerKey {
				return nil, fmt.Errorf("binary map data: expected key marker, got 0x%02x", km)
			}
			klen, err := d.uint32()
			if err != nil {
				return nil, err
			}
			kb, err := d.bytes(klen)
			if err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			mp[string(kb)] = v
		}
		return mp, nil
	case markerArray:
		count, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if count > maxCollectionLen {
			return nil, fmt.Errorf("binary map data: unreasonable array size %d", count)
		}
		arr := make([]interface{}, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case markerInt:
		v, err := d.uint64()
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case markerReal:
		v, err := d.uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case markerString:
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case markerBinary:
		n, err := d.uint32()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	default:
		return nil, fmt.Errorf("binary map data: unknown marker 0x%02x", marker)
	}
}

// EncodeValue serializes a value built from map[string]interface{},
// []interface{}, int64/int/int32/uint32, float64, string and []byte. Map
// keys are written in sorted order so encoding is deterministic.
func EncodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		buf.WriteByte(markerMap)
		writeUint32(buf, uint32(len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteByte(markerKey)
			writeUint32(buf, uint32(len(k)))
			buf.WriteString(k)
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
	case []interface{}:
		buf.WriteByte(markerArray)
		writeUint32(buf, uint32(len(val)))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case int64:
		buf.WriteByte(markerInt)
		writeUint64(buf, uint64(val))
	case int:
		return encodeValue(buf, int64(val))
	case int32:
		return encodeValue(buf, int64(val))
	case uint32:
		return encodeValue(buf, int64(val))
	case float64:
		buf.WriteByte(markerReal)
		writeUint64(buf, math.Float64bits(val))
	case string:
		buf.WriteByte(markerString)
		writeUint32(buf, uint32(len(val)))
		buf.WriteString(val)
	case []byte:
		buf.WriteByte(markerBinary)
		writeUint32(buf, uint32(len(val)))
		buf.Write(val)
	default:
		return fmt.Errorf("binary map data: cannot encode %T", v)
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Package statecodec serializes structured automation state to a compressed,
// checksummed byte stream and back.
//
// The wire format is a tagged union: one tag byte per value, uvarint lengths,
// big-endian fixed-width scalars. Maps are encoded with keys sorted
// bytewise, so encoding the same logical state always yields the same bytes
// regardless of map iteration order. The checksum is SHA-256 over the
// post-compression payload; Decode verifies it before touching the payload.
//
// Supported value types: nil, bool, int64, float64, string, []byte,
// time.Time, Decimal, []any, map[string]any. Encode also accepts the
// smaller integer kinds and widens them to int64.
package statecodec

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Compression selects the payload compression algorithm.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zlib Compression = "zlib"
)

// Decimal is an exact decimal number: Unscaled is the digit string
// (optionally signed), Exp the power-of-ten exponent. 123.45 is
// {Unscaled: "12345", Exp: -2}. No float round-trip is ever involved.
type Decimal struct {
	Unscaled string
	Exp      int32
}

// String renders the decimal in scientific-free form for logs.
func (d Decimal) String() string {
	return fmt.Sprintf("%se%d", d.Unscaled, d.Exp)
}

// IntegrityError reports a checksum, size, or structural mismatch between a
// payload and its recorded metadata. A payload that produces an
// IntegrityError must never be used as a recovery source.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "statecodec: integrity: " + e.Reason
}

// Value tags. The tag namespace is closed: Decode rejects unknown tags.
const (
	tagNil     byte = 0x00
	tagFalse   byte = 0x01
	tagTrue    byte = 0x02
	tagInt     byte = 0x03
	tagFloat   byte = 0x04
	tagString  byte = 0x05
	tagBytes   byte = 0x06
	tagTime    byte = 0x07
	tagDecimal byte = 0x08
	tagList    byte = 0x09
	tagMap     byte = 0x0a
)

// Checksum returns the lowercase hex SHA-256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encode serializes v, compresses with comp, and returns the payload plus
// its checksum (computed over the compressed bytes).
func Encode(v any, comp Compression) (payload []byte, checksum string, err error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, "", err
	}

	raw := buf.Bytes()
	switch comp {
	case None, "":
		payload = raw
	case Gzip:
		var cbuf bytes.Buffer
		zw := gzip.NewWriter(&cbuf)
		if _, err := zw.Write(raw); err != nil {
			return nil, "", fmt.Errorf("statecodec: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("statecodec: gzip close: %w", err)
		}
		payload = cbuf.Bytes()
	case Zlib:
		var cbuf bytes.Buffer
		zw := zlib.NewWriter(&cbuf)
		if _, err := zw.Write(raw); err != nil {
			return nil, "", fmt.Errorf("statecodec: zlib: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("statecodec: zlib close: %w", err)
		}
		payload = cbuf.Bytes()
	default:
		return nil, "", fmt.Errorf("statecodec: unknown compression %q", comp)
	}

	return payload, Checksum(payload), nil
}

// Decode verifies checksum against payload, decompresses, and deserializes.
// A checksum mismatch, truncated stream, or unknown tag returns an
// *IntegrityError; no partially decoded value is ever returned.
func Decode(payload []byte, comp Compression, checksum string) (any, error) {
	if got := Checksum(payload); got != checksum {
		return nil, &IntegrityError{Reason: fmt.Sprintf("checksum mismatch: stored %.12s…, computed %.12s…", checksum, got)}
	}

	raw := payload
	switch comp {
	case None, "":
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, &IntegrityError{Reason: "gzip header: " + err.Error()}
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, &IntegrityError{Reason: "gzip stream: " + err.Error()}
		}
	case Zlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, &IntegrityError{Reason: "zlib header: " + err.Error()}
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, &IntegrityError{Reason: "zlib stream: " + err.Error()}
		}
	default:
		return nil, fmt.Errorf("statecodec: unknown compression %q", comp)
	}

	r := bytes.NewReader(raw)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, &IntegrityError{Reason: fmt.Sprintf("%d trailing bytes after value", r.Len())}
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		if x {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		encodeInt(buf, int64(x))
	case int32:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case float64:
		buf.WriteByte(tagFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		buf.Write(b[:])
	case string:
		buf.WriteByte(tagString)
		writeBytes(buf, []byte(x))
	case []byte:
		buf.WriteByte(tagBytes)
		writeBytes(buf, x)
	case time.Time:
		// Stored as UTC unix nanos; location is not round-tripped.
		buf.WriteByte(tagTime)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x.UTC().UnixNano()))
		buf.Write(b[:])
	case Decimal:
		buf.WriteByte(tagDecimal)
		writeBytes(buf, []byte(x.Unscaled))
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(x.Exp))
		buf.Write(b[:])
	case []any:
		buf.WriteByte(tagList)
		writeUvarint(buf, uint64(len(x)))
		for _, item := range x {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		writeUvarint(buf, uint64(len(x)))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeBytes(buf, []byte(k))
			if err := encodeValue(buf, x[k]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("statecodec: unsupported type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, x int64) {
	buf.WriteByte(tagInt)
	var b [binary.MaxVarintLen64]byte
	n := binary.PutVarint(b[:], x)
	buf.Write(b[:n])
}

func writeUvarint(buf *bytes.Buffer, x uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], x)
	buf.Write(b[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func decodeValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, &IntegrityError{Reason: "truncated stream: missing tag"}
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		x, err := binary.ReadVarint(r)
		if err != nil {
			return nil, &IntegrityError{Reason: "truncated int"}
		}
		return x, nil
	case tagFloat:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, &IntegrityError{Reason: "truncated float"}
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
	case tagString:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return b, nil
	case tagTime:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, &IntegrityError{Reason: "truncated time"}
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(b[:]))).UTC(), nil
	case tagDecimal:
		digits, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, &IntegrityError{Reason: "truncated decimal exponent"}
		}
		return Decimal{Unscaled: string(digits), Exp: int32(binary.BigEndian.Uint32(b[:]))}, nil
	case tagList:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, &IntegrityError{Reason: "truncated list length"}
		}
		if n > uint64(r.Len()) {
			return nil, &IntegrityError{Reason: "list length exceeds remaining bytes"}
		}
		list := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case tagMap:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, &IntegrityError{Reason: "truncated map length"}
		}
		if n > uint64(r.Len()) {
			return nil, &IntegrityError{Reason: "map length exceeds remaining bytes"}
		}
		m := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			k, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			m[string(k)] = v
		}
		return m, nil
	default:
		return nil, &IntegrityError{Reason: fmt.Sprintf("unknown tag 0x%02x", tag)}
	}
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, &IntegrityError{Reason: "truncated length"}
	}
	if n > uint64(r.Len()) {
		return nil, &IntegrityError{Reason: "length exceeds remaining bytes"}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, &IntegrityError{Reason: "truncated payload"}
	}
	return b, nil
}

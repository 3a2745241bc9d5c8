// Package encoding includes implementations of encoding.TextMarshaler and encoding.TextUnmarshaler
// to encode and decode binary object code. It is based on Intel Hex file-encoding.
//
// Each file is composed of lines composed of a prefix, length, address, type, (optional data) and a
// checksum. In shorthand:
//
//	:LLAAAAAAAATT[DD...]CC
//	0123456789
//
// See [Grammar] for a formal grammar.
//
// # Bugs
//
// This is not a complete implementation of Intel Hex encoding; it is for internal use, only. It
// supports minimal record types, specifically just the data and end-of-file record types, and
// widens the address field from Intel Hex's 16 bits to 32 (extended-linear addressing, the kind a
// 32-bit RAM base plus guest offset needs, is out of scope — addresses above 4GiB aren't
// representable in this record format).
package encoding

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/haltline/rvvm/internal/rvvm"
)

const Grammar = `
file  = { line } ;
line  = ':' len addr type data check nl ;
len   = byte ;
addr  = byte byte byte byte ;
type  = byte ;
data  = { byte }
byte  = hex hex ;
hex   = '0' | '1' | '2' | '3' | '4' | '5' | '6' | '7' | '8' | '9'
      | 'a' | 'b' | 'c' | 'd' | 'e' | 'f' | 'A' | 'B' | 'C' | 'D' | 'E' | 'F' ;
nl    = '\n' ;
`

// HexEncoding implements marshalling and unmarshalling of boot images as Intel-Hex-like files.
type HexEncoding struct {
	Code []rvvm.ObjectCode
}

func (h *HexEncoding) MarshalText() ([]byte, error) {
	var (
		buf   bytes.Buffer
		check byte
	)

	for i := range h.Code {
		code := h.Code[i]

		_ = buf.WriteByte(':')

		enc := hex.NewEncoder(&buf)

		var lenByte [1]byte
		lenByte[0] = byte(len(code.Code))
		check += lenByte[0]

		if _, err := enc.Write(lenByte[:]); err != nil {
			return buf.Bytes(), err
		}

		var addr [4]byte
		binary.BigEndian.PutUint32(addr[:], uint32(code.Orig))

		for _, b := range addr {
			check += b
		}

		if _, err := enc.Write(addr[:]); err != nil {
			return buf.Bytes(), err
		}

		buf.WriteByte('0')
		buf.WriteByte('0')

		if _, err := enc.Write(code.Code); err != nil {
			return buf.Bytes(), err
		}

		for _, b := range code.Code {
			check += b
		}

		var sum [1]byte
		sum[0] = 1 + ^check

		if _, err := enc.Write(sum[:]); err != nil {
			return buf.Bytes(), err
		}

		buf.WriteByte('\n')

		check = 0
	}

	buf.WriteByte(':')
	hex.NewEncoder(&buf).Write([]byte{0, 0, 0, 0, 0, 1, 0xff}) //nolint:errcheck // fixed-size sentinel, never fails
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

func (h *HexEncoding) UnmarshalText(bs []byte) error {
	line := bufio.NewScanner(bytes.NewReader(bs))

	for line.Scan() {
		var (
			rec []byte = line.Bytes() //nolint:stylecheck

			recLen   byte   // Number of data bytes; excludes address, type, checksum fields.
			recAddr  uint32 // Record address.
			recKind  kind   // Record type.
			recCheck byte   // Expected checksum.
			check    byte   // Accumulated checksum.
		)

		if len(rec) == 0 {
			break
		} else if token := rec[0]; token == '\n' {
			continue
		} else if token != ':' {
			return fmt.Errorf("%w: line does not start with ':'", errInvalidHex)
		}

		const headerHexLen = 1 + 4 + 1 // len + addr(4) + type, each one byte of hex.
		if len(rec) < 1+2*(headerHexLen+1) {
			return fmt.Errorf("%w: record too short", errInvalidHex)
		}

		var lenBuf [1]byte
		if _, err := hex.Decode(lenBuf[:], rec[1:3]); err != nil {
			return fmt.Errorf("%w: len: %s", errInvalidHex, err.Error())
		}

		recLen = lenBuf[0]
		check += lenBuf[0]

		var addrBuf [4]byte
		if _, err := hex.Decode(addrBuf[:], rec[3:11]); err != nil {
			return fmt.Errorf("%w: addr: %s", errInvalidHex, err.Error())
		}

		recAddr = binary.BigEndian.Uint32(addrBuf[:])
		for _, b := range addrBuf {
			check += b
		}

		var kindBuf [1]byte
		if _, err := hex.Decode(kindBuf[:], rec[11:13]); err != nil {
			return fmt.Errorf("%w: type: %s", errInvalidHex, err.Error())
		}

		recKind = kind(kindBuf[0])
		check += kindBuf[0]

		if len(rec) < 13+int(recLen)*2+2 {
			return fmt.Errorf("%w: record shorter than declared length", errInvalidHex)
		}

		var checkBuf [1]byte
		if _, err := hex.Decode(checkBuf[:], rec[13+int(recLen)*2:15+int(recLen)*2]); err != nil {
			return fmt.Errorf("%w: check: %s", errInvalidHex, err.Error())
		}

		recCheck = checkBuf[0]

		switch {
		case recKind == kindData:
			data := make([]byte, recLen)
			if recLen > 0 {
				if _, err := hex.Decode(data, rec[13:13+int(recLen)*2]); err != nil {
					return fmt.Errorf("%w: data: %s", errInvalidHex, err.Error())
				}
			}

			for _, b := range data {
				check += b
			}

			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x", errInvalidHex, check, recCheck)
			}

			h.Code = append(h.Code, rvvm.ObjectCode{
				Orig: rvvm.Word(recAddr),
				Code: data,
			})
		case recKind == kindEOF:
			check = 1 + ^check
			if check != recCheck {
				return fmt.Errorf("%w: checksum invalid: %02x != %02x", errInvalidHex, check, recCheck)
			}

			return finishUnmarshal(h)
		default:
			return fmt.Errorf("%w: unexpected record type: %d", errInvalidHex, recKind)
		}
	}

	return finishUnmarshal(h)
}

func finishUnmarshal(h *HexEncoding) error {
	if len(h.Code) == 0 {
		return errEmpty
	}

	return nil
}

// kind represents the type of encoded record. Only the subset of record types supported by the
// encoder are supported.
type kind byte

const (
	kindData kind = 0
	kindEOF  kind = 1
)

type decodingError struct{}

func (decodingError) Error() string {
	return "decoding error"
}

func (de *decodingError) Is(err error) bool {
	if de == err {
		return true
	}

	_, ok := err.(*decodingError)

	return ok
}

var (
	// ErrDecode is a wrapped error that is returned when decoding fails.
	ErrDecode = &decodingError{}

	errEmpty      = fmt.Errorf("%w: no data decoded", ErrDecode)
	errInvalidHex = fmt.Errorf("%w: invalid encoding", ErrDecode)
)

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Protocol constants
const (
	Magic = "USRP"

	// Packet structure sizes
	MagicSize  = 4
	HeaderSize = 32 // magic + 5 scalars + 8 reserved bytes

	// Header field offsets
	offsetSequence  = 4
	offsetMemory    = 8
	offsetKeyup     = 12
	offsetTalkgroup = 16
	offsetType      = 20

	// TEXT set-info payload layout
	TLVTagSetInfo   = 0x08
	CallsignOffset  = 14
	CallsignEnd     = 50
	UnknownCallsign = "UNKNOWN"
)

// FrameType selects how a frame payload is interpreted
type FrameType uint32

// Frame types
const (
	TypeVoice      FrameType = 0
	TypeDTMF       FrameType = 1
	TypeText       FrameType = 2
	TypePing       FrameType = 3
	TypeTLV        FrameType = 4
	TypeVoiceADPCM FrameType = 5
	TypeVoiceULaw  FrameType = 6
)

// Decode and payload errors
var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrMagicNotText    = errors.New("magic is not valid text")
	ErrPayloadTooShort = errors.New("payload too short")
	ErrCallsignNotText = errors.New("callsign is not valid text")
)

// Frame is a decoded USRP datagram.
// Payload aliases the buffer passed to Decode.
type Frame struct {
	Magic      [MagicSize]byte
	MagicOK    bool // false when Magic != "USRP"
	Sequence   uint32
	MemorySlot uint32
	Keyup      uint32
	Talkgroup  uint32
	Type       FrameType
	Payload    []byte
}

// Decode parses one datagram into a Frame.
//
// A wrong magic is tolerated: the frame is still decoded and MagicOK is false.
// Only length problems and a magic that is not text are errors.
func Decode(data []byte) (*Frame, error) {
	if len(data) < MagicSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes for magic, got %d",
			ErrFrameTooShort, MagicSize, len(data))
	}

	magic := data[:MagicSize]
	if !utf8.Valid(magic) {
		return nil, fmt.Errorf("%w: % x", ErrMagicNotText, magic)
	}

	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d",
			ErrFrameTooShort, HeaderSize, len(data))
	}

	frame := &Frame{
		MagicOK:    string(magic) == Magic,
		Sequence:   binary.BigEndian.Uint32(data[offsetSequence : offsetSequence+4]),
		MemorySlot: binary.LittleEndian.Uint32(data[offsetMemory : offsetMemory+4]),
		Keyup:      binary.BigEndian.Uint32(data[offsetKeyup : offsetKeyup+4]),
		Talkgroup:  binary.BigEndian.Uint32(data[offsetTalkgroup : offsetTalkgroup+4]),
		Type:       FrameType(binary.BigEndian.Uint32(data[offsetType : offsetType+4])),
		Payload:    data[HeaderSize:],
	}
	copy(frame.Magic[:], magic)

	return frame, nil
}

// IsKeyed reports whether the transmitting key is pressed
func (f *Frame) IsKeyed() bool {
	return f.Keyup != 0
}

// IsSetInfo reports whether a TEXT payload carries the set-info TLV tag
func IsSetInfo(payload []byte) bool {
	return len(payload) > 0 && payload[0] == TLVTagSetInfo
}

// ParseCallsign extracts the caller identification from a set-info payload.
// The field is cut at the first NUL and whitespace-trimmed.
func ParseCallsign(payload []byte) (string, error) {
	if len(payload) < CallsignEnd {
		return "", fmt.Errorf("%w: set-info needs %d bytes, got %d",
			ErrPayloadTooShort, CallsignEnd, len(payload))
	}

	field := ExtractString(payload[CallsignOffset:CallsignEnd])
	if !utf8.ValidString(field) {
		return "", fmt.Errorf("%w: %q", ErrCallsignNotText, field)
	}

	callsign := strings.TrimSpace(field)
	if callsign == "" {
		return "", fmt.Errorf("%w: empty", ErrCallsignNotText)
	}

	return callsign, nil
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// String returns the protocol name of the frame type
func (t FrameType) String() string {
	switch t {
	case TypeVoice:
		return "VOICE"
	case TypeDTMF:
		return "DTMF"
	case TypeText:
		return "TEXT"
	case TypePing:
		return "PING"
	case TypeTLV:
		return "TLV"
	case TypeVoiceADPCM:
		return "VOICE_ADPCM"
	case TypeVoiceULaw:
		return "VOICE_ULAW"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// String returns a human-readable representation of the frame header
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Magic:%q, Seq:%d, Memory:%d, Keyup:%d, TG:%d, Type:%s, PayloadLen:%d}",
		string(f.Magic[:]), f.Sequence, f.MemorySlot, f.Keyup, f.Talkgroup, f.Type, len(f.Payload))
}

package protocol

import (
	"encoding/binary"
)

// MarshalBinary encodes the frame in USRP wire layout.
// The reserved header bytes are written as zero.
func (f *Frame) MarshalBinary() ([]byte, error) {
	data := make([]byte, HeaderSize+len(f.Payload))

	copy(data[:MagicSize], f.Magic[:])
	binary.BigEndian.PutUint32(data[offsetSequence:], f.Sequence)
	binary.LittleEndian.PutUint32(data[offsetMemory:], f.MemorySlot)
	binary.BigEndian.PutUint32(data[offsetKeyup:], f.Keyup)
	binary.BigEndian.PutUint32(data[offsetTalkgroup:], f.Talkgroup)
	binary.BigEndian.PutUint32(data[offsetType:], uint32(f.Type))
	copy(data[HeaderSize:], f.Payload)

	return data, nil
}

// NewFrame creates a frame with the USRP magic set
func NewFrame(frameType FrameType, seq uint32) *Frame {
	f := &Frame{
		MagicOK:  true,
		Sequence: seq,
		Type:     frameType,
	}
	copy(f.Magic[:], Magic)
	return f
}

// NewVoiceFrame creates a VOICE frame carrying audio.
// keyed=false marks the end of a transmission.
func NewVoiceFrame(seq, talkgroup uint32, keyed bool, audio []byte) *Frame {
	f := NewFrame(TypeVoice, seq)
	f.Talkgroup = talkgroup
	if keyed {
		f.Keyup = 1
	}
	f.Payload = audio
	return f
}

// NewSetInfoFrame creates a TEXT frame identifying the caller
func NewSetInfoFrame(seq uint32, callsign string) *Frame {
	payload := make([]byte, CallsignEnd)
	payload[0] = TLVTagSetInfo
	payload[1] = byte(CallsignEnd - 2) // TLV length
	copy(payload[CallsignOffset:CallsignEnd], callsign)

	f := NewFrame(TypeText, seq)
	f.Payload = payload
	return f
}

// NewPingFrame creates a keepalive frame
func NewPingFrame(seq uint32) *Frame {
	return NewFrame(TypePing, seq)
}

package protocol

import (
	"bytes"
	"testing"
)

func TestMarshalVoiceFrame(t *testing.T) {
	audio := bytes.Repeat([]byte{0x12, 0x34}, 160)
	frame := NewVoiceFrame(100, 31000, true, audio)
	frame.MemorySlot = 3

	data, err := frame.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	if len(data) != HeaderSize+len(audio) {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+len(audio), len(data))
	}
	if string(data[0:4]) != Magic {
		t.Errorf("Expected magic %q, got %q", Magic, string(data[0:4]))
	}
	// memory slot is the only little-endian field
	if !bytes.Equal(data[8:12], []byte{0x03, 0x00, 0x00, 0x00}) {
		t.Errorf("Expected little-endian memory slot, got %x", data[8:12])
	}
	if !bytes.Equal(data[24:32], make([]byte, 8)) {
		t.Errorf("Expected zero reserved bytes, got %x", data[24:32])
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.MagicOK || decoded.Sequence != 100 || decoded.Talkgroup != 31000 ||
		!decoded.IsKeyed() || decoded.MemorySlot != 3 || decoded.Type != TypeVoice {
		t.Errorf("Unexpected decoded header: %s", decoded)
	}
	if !bytes.Equal(decoded.Payload, audio) {
		t.Error("Decoded payload does not match audio")
	}
}

func TestMarshalUnkeyedVoiceFrame(t *testing.T) {
	data, err := NewVoiceFrame(1, 0, false, nil).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.IsKeyed() {
		t.Error("Expected unkeyed frame")
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestSetInfoFrameCarriesCallsign(t *testing.T) {
	data, err := NewSetInfoFrame(5, "N0CALL").MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	frame, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != TypeText {
		t.Fatalf("Expected TEXT frame, got %s", frame.Type)
	}
	if !IsSetInfo(frame.Payload) {
		t.Fatal("Expected set-info tag")
	}

	callsign, err := ParseCallsign(frame.Payload)
	if err != nil {
		t.Fatalf("ParseCallsign failed: %v", err)
	}
	if callsign != "N0CALL" {
		t.Errorf("Expected N0CALL, got %q", callsign)
	}
}

func TestPingFrame(t *testing.T) {
	data, err := NewPingFrame(77).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(data) != HeaderSize {
		t.Errorf("Expected header-only ping, got %d bytes", len(data))
	}

	frame, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Type != TypePing || frame.Sequence != 77 {
		t.Errorf("Unexpected ping frame: %s", frame)
	}
}

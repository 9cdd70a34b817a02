// Package protocol implements USRP frame parsing and encoding.
// It decodes the fixed 32-byte USRP header, exposes the type-dependent payload,
// and extracts caller identification from TEXT set-info payloads.
package protocol

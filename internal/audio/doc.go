// Package audio converts recorded USRP voice payloads into playable formats.
// USRP voice is 8 kHz mono signed 16-bit PCM; this package wraps it in a RIFF/WAVE container
// and reports basic metadata.
package audio

// Package transmission tracks the single in-flight radio transmission of a receiver.
// Decoded USRP frames drive an explicit open/closed state machine; ending a transmission
// produces a FlushRequest carrying the accumulated audio for storage.
package transmission

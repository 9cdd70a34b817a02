// Package server runs the USRP receive loop and the HTTP monitoring API.
// The Receiver owns the UDP socket, the frame decoder call and the transmission tracker on a
// single goroutine and hands completed transmissions to a storage Sink.
package server

// Package storage persists completed transmissions.
// Sinks write flushed audio to disk or upload it over HTTP; policy filters, fan-out and an
// ordered asynchronous queue compose around any Sink.
package storage

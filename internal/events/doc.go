// Package events broadcasts transmission lifecycle events to websocket subscribers.
package events

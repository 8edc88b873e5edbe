// Package events provides an in-process publish/subscribe broker.
//
// The manager publishes an event for every configuration change and for
// service state transitions; the reconciler subscribes and turns change
// events into target reloads.
package events

// Package sinks provides event listeners that log, count, and forward
// lifecycle events.
package sinks

// Package sinks provides notify.Sink implementations.
package sinks

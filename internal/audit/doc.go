// Package audit buffers security events and delivers them to a Sink on a
// background goroutine.
//
// The engine decides which events to emit; this package only queues and
// delivers them. Sinks: NoOpSink, ChannelSink, JSONWriterSink and LogSink.
package audit

// Package log wraps kernel/kfmt with the level-tagged log sink named by
// the kernel's external interface contract: a log(level, text) call that
// every other subsystem (fault handlers, the scheduler, syscalls) uses
// instead of calling kfmt directly.
package log

import (
	"io"

	"nimbuskernel/kernel/kfmt"
)

// Level mirrors the original kernel's five-level log taxonomy.
type Level uint8

const (
	Debug Level = iota
	Normal
	Info
	Warn
	Critical
)

var levelPrefix = [...][]byte{
	Debug:    []byte("[debug] "),
	Normal:   []byte(""),
	Info:     []byte("[info] "),
	Warn:     []byte("[warn] "),
	Critical: []byte("[crit] "),
}

// Sink fans a single underlying writer out into one kfmt.PrefixWriter per
// level, so every entry at a given level carries the same tag without
// re-formatting it on each call.
type Sink struct {
	writers [len(levelPrefix)]kfmt.PrefixWriter
}

// NewSink builds a Sink over w.
func NewSink(w io.Writer) *Sink {
	s := &Sink{}
	for lvl := range levelPrefix {
		s.writers[lvl] = kfmt.PrefixWriter{Sink: w, Prefix: levelPrefix[lvl]}
	}
	return s
}

// Printf formats and writes a single entry at level through the sink.
// Debug entries are dropped unless the nimbuskernel_kdebug build tag is
// set (see log_kdebug.go / log_nokdebug.go).
func (s *Sink) Printf(level Level, format string, args ...interface{}) {
	if level == Debug && !debugEnabled {
		return
	}
	kfmt.Fprintf(&s.writers[level], format, args...)
}

var active *Sink

// Init installs w as the kernel's log sink and points kfmt's own Printf at
// its Normal-level writer, so code that hasn't been converted to call
// log.Printf still lands in the same place.
func Init(w io.Writer) {
	active = NewSink(w)
	kfmt.SetOutputSink(&active.writers[Normal])
}

// Printf writes one log entry at the given level through the active sink.
// Before Init runs it falls back to kfmt.Printf directly, so early-boot
// log calls still land in kfmt's own ring buffer instead of being lost.
func Printf(level Level, format string, args ...interface{}) {
	if level == Debug && !debugEnabled {
		return
	}
	if active == nil {
		kfmt.Printf(format, args...)
		return
	}
	active.Printf(level, format, args...)
}

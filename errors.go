package oscilock

import "fmt"

// ConfigError indicates a requested parameter outside the allowed set. It is
// returned before any device command or numeric computation takes place;
// values are never silently clamped.
type ConfigError struct {
	Param string
	msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Param, e.msg)
}

func configErrorf(param, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Param: param, msg: fmt.Sprintf(format, args...)}
}

// TimeoutError indicates that a trigger wait exceeded its maximum duration.
type TimeoutError struct {
	Op      string
	Waited  string
	LastVal string // last status the instrument reported, if any
}

func (e *TimeoutError) Error() string {
	if e.LastVal == "" {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Waited)
	}
	return fmt.Sprintf("%s timed out after %s (last status %q)", e.Op, e.Waited, e.LastVal)
}

// EmptyDataError indicates the instrument reported its "no data" sentinel
// for a channel's reference code: the capture memory holds nothing usable.
type EmptyDataError struct {
	Channel Channel
}

func (e *EmptyDataError) Error() string {
	return fmt.Sprintf("channel %v: instrument reports empty capture memory", e.Channel)
}

// TransportError wraps an instrument communication failure. Always fatal to
// the current acquisition cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProcessingError indicates a numerically undefined result in the lock-in
// pipeline, such as a reference waveform with no energy above DC.
type ProcessingError struct {
	msg string
}

func (e *ProcessingError) Error() string {
	return "processing error: " + e.msg
}

func processingErrorf(format string, args ...interface{}) *ProcessingError {
	return &ProcessingError{msg: fmt.Sprintf(format, args...)}
}

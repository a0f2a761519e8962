package oscilock

import "fmt"

// Channel identifies one physical input of a 4-channel oscilloscope.
type Channel int

// The four oscilloscope input channels.
const (
	Channel1 Channel = 1 + iota
	Channel2
	Channel3
	Channel4
)

// AllChannels lists every physical input, in instrument order.
var AllChannels = []Channel{Channel1, Channel2, Channel3, Channel4}

func (c Channel) String() string {
	return fmt.Sprintf("CH%d", int(c))
}

func validChannel(c Channel) bool {
	return c >= Channel1 && c <= Channel4
}

// AcquisitionData is the channel pair plus timebase produced by one
// acquisition cycle. Both waveforms are fully converted physical voltages of
// equal length. Immutable once produced; consumed exactly once by the
// lock-in processor.
type AcquisitionData struct {
	Ref           []float64 // reference-channel waveform (V)
	Signal        []float64 // acquisition-channel waveform (V)
	TimeIncrement float64   // seconds per sample, 1/(effective sample rate)
	TimeOrigin    float64   // time of sample 0 relative to the trigger (s)
}

// ScopeConfig holds the capture parameters for Oscilloscope.Configure.
// MemoryDepth must be one of the values the concrete variant enumerates in
// its ConfigSchema; anything else is a ConfigError raised before any device
// command is issued.
type ScopeConfig struct {
	MemoryDepth   int
	SampleRate    float64             // samples/s; ignored by variants whose timebase fixes it
	ChannelRanges map[Channel]float64 // full-scale range per enabled channel (V)
	RefChannel    Channel
	SigChannel    Channel
}

func (cfg *ScopeConfig) validateChannels() error {
	if !validChannel(cfg.RefChannel) {
		return configErrorf("RefChannel", "channel %d is not one of 1-4", int(cfg.RefChannel))
	}
	if !validChannel(cfg.SigChannel) {
		return configErrorf("SigChannel", "channel %d is not one of 1-4", int(cfg.SigChannel))
	}
	if cfg.RefChannel == cfg.SigChannel {
		return configErrorf("SigChannel", "reference and acquisition channels are both %v", cfg.SigChannel)
	}
	return nil
}

// Oscilloscope is the capability the lock-in core consumes. Concrete
// variants are the Rigol and Keysight SCPI adapters and the simulated scope;
// the core never depends on a concrete variant.
type Oscilloscope interface {
	Configure(cfg *ScopeConfig) error
	Acquire() (*AcquisitionData, error)
	Close() error // idempotent
}

// ConfigField describes one configurable parameter of a scope variant as an
// explicit {name, type, allowed values, default} record, so clients can
// enumerate valid settings without reflection.
type ConfigField struct {
	Name    string
	Type    string
	Allowed []interface{} // nil means unconstrained
	Default interface{}
}

// SchemaProvider is implemented by scope variants that can enumerate their
// configuration surface.
type SchemaProvider interface {
	ConfigSchema() []ConfigField
}

// memoryDepthAllowed reports whether depth is in the variant's enumerated set.
func memoryDepthAllowed(depth int, allowed []int) bool {
	for _, d := range allowed {
		if d == depth {
			return true
		}
	}
	return false
}

func depthSchemaField(allowed []int, def int) ConfigField {
	vals := make([]interface{}, len(allowed))
	for i, d := range allowed {
		vals[i] = d
	}
	return ConfigField{Name: "MemoryDepth", Type: "int", Allowed: vals, Default: def}
}

package oscilock

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/oscilock/oscilock/internal/scpi"
)

// Record lengths the InfiniiVision 1000/2000 X-series will honor in raw mode.
var keysightMemoryDepths = []int{1000, 10000, 100000, 1000000, 2000000}

// Bit 3 of the operation status condition register: "running".
const keysightRunBit = 1 << 3

// KeysightScope drives a Keysight InfiniiVision X-series oscilloscope. Same
// capability as RigolScope through a different SCPI dialect: the record is
// read back as one block after :SINGle completes, and completion is detected
// through the operation status register rather than a trigger status string.
type KeysightScope struct {
	dev scpi.Transport
	idn string
	log *log.Logger

	cfg        *ScopeConfig
	configured bool

	pollInterval   time.Duration
	maxTriggerWait time.Duration
}

// NewKeysightScope dials an InfiniiVision scope at addr and queries its
// identity. The logger may be nil, in which case UpdateLogger is used.
func NewKeysightScope(addr string, logger *log.Logger) (*KeysightScope, error) {
	dev, err := scpi.Dial(addr, 5*time.Second)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	s := newKeysightScope(dev, logger)
	idn, err := s.dev.Query("*IDN?")
	if err != nil {
		dev.Close()
		return nil, &TransportError{Op: "identify", Err: err}
	}
	s.idn = idn
	s.log.Printf("connected to %s", idn)
	return s, nil
}

func newKeysightScope(dev scpi.Transport, logger *log.Logger) *KeysightScope {
	if logger == nil {
		logger = UpdateLogger
	}
	return &KeysightScope{
		dev:            dev,
		log:            logger,
		pollInterval:   defaultPollInterval,
		maxTriggerWait: defaultMaxTriggerWait,
	}
}

// ConfigSchema enumerates the configurable parameters of this variant.
func (s *KeysightScope) ConfigSchema() []ConfigField {
	return []ConfigField{
		depthSchemaField(keysightMemoryDepths, 10000),
		{Name: "RefChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 1},
		{Name: "SigChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 2},
	}
}

// Configure validates cfg and programs the capture; parameters outside the
// enumerated sets are rejected before any command reaches the instrument.
func (s *KeysightScope) Configure(cfg *ScopeConfig) error {
	if err := cfg.validateChannels(); err != nil {
		return err
	}
	if !memoryDepthAllowed(cfg.MemoryDepth, keysightMemoryDepths) {
		return configErrorf("MemoryDepth", "%d is not in the allowed set %v", cfg.MemoryDepth, keysightMemoryDepths)
	}

	for _, ch := range AllChannels {
		state := "OFF"
		if ch == cfg.RefChannel || ch == cfg.SigChannel {
			state = "ON"
		}
		if err := s.dev.Command(fmt.Sprintf(":CHANnel%d:DISPlay %s", int(ch), state)); err != nil {
			return &TransportError{Op: "configure", Err: err}
		}
	}
	for ch, rng := range cfg.ChannelRanges {
		if err := s.dev.Command(fmt.Sprintf(":CHANnel%d:RANGe %g", int(ch), rng)); err != nil {
			return &TransportError{Op: "configure", Err: err}
		}
	}
	setup := []string{
		":ACQuire:TYPE NORMal",
		":WAVeform:FORMat BYTE",
		":WAVeform:POINts:MODE RAW",
		fmt.Sprintf(":WAVeform:POINts %d", cfg.MemoryDepth),
	}
	if cfg.SampleRate > 0 {
		// Record length / sample rate sets the time window.
		window := float64(cfg.MemoryDepth) / cfg.SampleRate
		setup = append(setup, fmt.Sprintf(":TIMebase:RANGe %g", window))
	}
	for _, cmd := range setup {
		if err := s.dev.Command(cmd); err != nil {
			return &TransportError{Op: "configure", Err: err}
		}
	}

	s.cfg = cfg
	s.configured = true
	return nil
}

// Acquire arms one single capture, awaits completion, and reads both
// channels back.
func (s *KeysightScope) Acquire() (*AcquisitionData, error) {
	if !s.configured {
		return nil, configErrorf("scope", "Acquire called before Configure")
	}
	for _, cmd := range []string{":SINGle", ":TRIGger:FORCe"} {
		if err := s.dev.Command(cmd); err != nil {
			return nil, &TransportError{Op: "arm", Err: err}
		}
	}
	if err := s.awaitStopped(); err != nil {
		return nil, err
	}

	ref, dt, t0, err := s.readWaveform(s.cfg.RefChannel)
	if err != nil {
		return nil, err
	}
	sig, _, _, err := s.readWaveform(s.cfg.SigChannel)
	if err != nil {
		return nil, err
	}
	if len(ref) != len(sig) {
		return nil, &TransportError{Op: "read",
			Err: fmt.Errorf("channel lengths differ: ref %d, signal %d", len(ref), len(sig))}
	}
	s.log.Printf("acquired %.4g s of data (%d samples)", dt*float64(len(ref)), len(ref))
	return &AcquisitionData{Ref: ref, Signal: sig, TimeIncrement: dt, TimeOrigin: t0}, nil
}

// awaitStopped polls the operation status register until the run bit clears.
func (s *KeysightScope) awaitStopped() error {
	deadline := time.Now().Add(s.maxTriggerWait)
	last := ""
	for {
		reply, err := s.dev.Query(":OPERegister:CONDition?")
		if err != nil {
			return &TransportError{Op: "status poll", Err: err}
		}
		cond, err := strconv.Atoi(reply)
		if err != nil {
			return &TransportError{Op: "status poll", Err: fmt.Errorf("reply %q is not an integer", reply)}
		}
		if cond&keysightRunBit == 0 {
			return nil
		}
		last = reply
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "capture wait", Waited: s.maxTriggerWait.String(), LastVal: last}
		}
		time.Sleep(s.pollInterval)
	}
}

// readWaveform reads one channel's record plus its scaling preamble.
// Returns the scaled voltages, the sample interval and the time origin.
func (s *KeysightScope) readWaveform(ch Channel) ([]float64, float64, float64, error) {
	if err := s.dev.Command(fmt.Sprintf(":WAVeform:SOURce CHANnel%d", int(ch))); err != nil {
		return nil, 0, 0, &TransportError{Op: "select source", Err: err}
	}
	pre, err := s.dev.Query(":WAVeform:PREamble?")
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "read preamble", Err: err}
	}
	// format, type, points, count, xinc, xorig, xref, yinc, yorig, yref
	fields := strings.Split(pre, ",")
	if len(fields) != 10 {
		return nil, 0, 0, &TransportError{Op: "read preamble",
			Err: fmt.Errorf("preamble has %d fields, want 10", len(fields))}
	}
	points, err1 := strconv.Atoi(strings.TrimSpace(fields[2]))
	xinc, err2 := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	xorig, err3 := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	yinc, err4 := strconv.ParseFloat(strings.TrimSpace(fields[7]), 64)
	yorig, err5 := strconv.ParseFloat(strings.TrimSpace(fields[8]), 64)
	yref, err6 := strconv.ParseFloat(strings.TrimSpace(fields[9]), 64)
	for _, e := range []error{err1, err2, err3, err4, err5, err6} {
		if e != nil {
			return nil, 0, 0, &TransportError{Op: "read preamble", Err: e}
		}
	}
	if points == 0 {
		return nil, 0, 0, &EmptyDataError{Channel: ch}
	}

	raw, err := s.dev.QueryBlock(":WAVeform:DATA?")
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "read waveform data", Err: err}
	}
	volts := make([]float64, len(raw))
	for i, code := range raw {
		volts[i] = (float64(code)-yref)*yinc + yorig
	}
	return volts, xinc, xorig, nil
}

// Close releases the instrument connection. Safe to call more than once.
func (s *KeysightScope) Close() error {
	return s.dev.Close()
}

package oscilock

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/oscilock/oscilock/internal/scpi"
)

// Memory depths the DS1000Z family accepts with two channels enabled.
var rigolMemoryDepths = []int{6000, 60000, 600000, 6000000, 12000000}

const (
	// The scope's waveform memory is read back in transfers of at most
	// this many samples.
	rigolMaxPointsPerRead = 125000

	// YREFerence reads back all-bits-set when the capture memory is empty.
	rigolEmptyReference = 4294967295

	defaultPollInterval   = 100 * time.Millisecond
	defaultMaxTriggerWait = 30 * time.Second
)

// RigolScope drives a Rigol DS1000Z-series oscilloscope over SCPI. It owns
// the arm, trigger-wait, and batched-read sequence of one capture cycle and
// reassembles the two enabled channels into an AcquisitionData.
type RigolScope struct {
	dev scpi.Transport
	idn string
	log *log.Logger

	cfg        *ScopeConfig
	configured bool

	pollInterval    time.Duration
	maxTriggerWait  time.Duration
	maxPointsPerRead int
}

// NewRigolScope dials a DS1000Z at addr (host:port, normally port 5025) and
// queries its identity. The logger may be nil, in which case UpdateLogger
// is used.
func NewRigolScope(addr string, logger *log.Logger) (*RigolScope, error) {
	dev, err := scpi.Dial(addr, 5*time.Second)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	s := newRigolScope(dev, logger)
	idn, err := s.dev.Query("*IDN?")
	if err != nil {
		dev.Close()
		return nil, &TransportError{Op: "identify", Err: err}
	}
	s.idn = idn
	s.log.Printf("connected to %s", idn)
	return s, nil
}

func newRigolScope(dev scpi.Transport, logger *log.Logger) *RigolScope {
	if logger == nil {
		logger = UpdateLogger
	}
	return &RigolScope{
		dev:              dev,
		log:              logger,
		pollInterval:     defaultPollInterval,
		maxTriggerWait:   defaultMaxTriggerWait,
		maxPointsPerRead: rigolMaxPointsPerRead,
	}
}

// ConfigSchema enumerates the configurable parameters of this variant.
func (s *RigolScope) ConfigSchema() []ConfigField {
	return []ConfigField{
		depthSchemaField(rigolMemoryDepths, 6000),
		{Name: "RefChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 1},
		{Name: "SigChannel", Type: "Channel", Allowed: []interface{}{1, 2, 3, 4}, Default: 2},
	}
}

// Configure validates cfg against the variant's enumerated parameter sets,
// then programs the capture: only the two channels in use stay enabled, the
// memory depth is set, and the trigger sweep is put in single mode. Invalid
// parameters are rejected before any command reaches the instrument.
func (s *RigolScope) Configure(cfg *ScopeConfig) error {
	if err := cfg.validateChannels(); err != nil {
		return err
	}
	if !memoryDepthAllowed(cfg.MemoryDepth, rigolMemoryDepths) {
		return configErrorf("MemoryDepth", "%d is not in the allowed set %v", cfg.MemoryDepth, rigolMemoryDepths)
	}

	if err := s.dev.Command(":RUN"); err != nil {
		return &TransportError{Op: "configure", Err: err}
	}
	// Disable all non-selected channels to keep the full memory bank on the
	// two channels in use, and enable the selected ones.
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
		fmt.Sprintf(":ACQuire:MDEPth %d", cfg.MemoryDepth),
		":WAVeform:FORMat BYTE",
		":WAVeform:MODE RAW",
		":TRIGger:SWEep SINGle",
	}
	for _, cmd := range setup {
		if err := s.dev.Command(cmd); err != nil {
			return &TransportError{Op: "configure", Err: err}
		}
	}
	depth, err := s.queryInt(":ACQuire:MDEPth?")
	if err != nil {
		return err
	}
	if depth != cfg.MemoryDepth {
		return configErrorf("MemoryDepth", "instrument reports depth %d after requesting %d", depth, cfg.MemoryDepth)
	}

	s.cfg = cfg
	s.configured = true
	return nil
}

// Acquire runs one full capture cycle: arm a single sweep, await the
// trigger, then read both channels back from capture memory. Either a
// complete, fully scaled AcquisitionData is returned or an error; there are
// no partial results.
func (s *RigolScope) Acquire() (*AcquisitionData, error) {
	if !s.configured {
		return nil, configErrorf("scope", "Acquire called before Configure")
	}

	// Arm: start a single sweep and force a trigger in case the source
	// never crosses the trigger level on its own.
	for _, cmd := range []string{":RUN", ":TRIGger:SWEep SINGle", ":TFORce"} {
		if err := s.dev.Command(cmd); err != nil {
			return nil, &TransportError{Op: "arm", Err: err}
		}
	}
	if err := s.awaitTrigger(); err != nil {
		return nil, err
	}

	ref, err := s.readWaveform(s.cfg.RefChannel)
	if err != nil {
		return nil, err
	}
	sig, err := s.readWaveform(s.cfg.SigChannel)
	if err != nil {
		return nil, err
	}
	if len(ref) != len(sig) {
		return nil, &TransportError{Op: "read",
			Err: fmt.Errorf("channel lengths differ: ref %d, signal %d", len(ref), len(sig))}
	}

	dt, err := s.queryFloat(":WAVeform:XINCrement?")
	if err != nil {
		return nil, err
	}
	t0, err := s.queryFloat(":WAVeform:XORigin?")
	if err != nil {
		return nil, err
	}
	s.log.Printf("acquired %.4g s of data (%d samples)", dt*float64(len(ref)), len(ref))
	return &AcquisitionData{Ref: ref, Signal: sig, TimeIncrement: dt, TimeOrigin: t0}, nil
}

// awaitTrigger polls trigger status until the sweep completes. While the
// scope sits in the indeterminate WAIT state the trigger is forced again.
// Exceeding maxTriggerWait is fatal for the cycle, never a silent retry.
func (s *RigolScope) awaitTrigger() error {
	deadline := time.Now().Add(s.maxTriggerWait)
	last := ""
	for {
		stat, err := s.dev.Query(":TRIGger:STATus?")
		if err != nil {
			return &TransportError{Op: "trigger poll", Err: err}
		}
		if stat == "STOP" {
			return nil
		}
		last = stat
		if stat == "WAIT" {
			if err := s.dev.Command(":TFORce"); err != nil {
				return &TransportError{Op: "force trigger", Err: err}
			}
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "trigger wait", Waited: s.maxTriggerWait.String(), LastVal: last}
		}
		time.Sleep(s.pollInterval)
	}
}

// readWaveform stops the scope, then retrieves one channel's capture memory
// in transfers of at most maxPointsPerRead samples, converting raw codes to
// volts with the channel's scale, offset and reference values.
func (s *RigolScope) readWaveform(ch Channel) ([]float64, error) {
	if err := s.dev.Command(":STOP"); err != nil {
		return nil, &TransportError{Op: "stop", Err: err}
	}
	total, err := s.queryInt(":ACQuire:MDEPth?")
	if err != nil {
		return nil, err
	}
	if err := s.dev.Command(fmt.Sprintf(":WAVeform:SOURce CHANnel%d", int(ch))); err != nil {
		return nil, &TransportError{Op: "select source", Err: err}
	}

	yinc, err := s.queryFloat(":WAVeform:YINCrement?")
	if err != nil {
		return nil, err
	}
	yorig, err := s.queryFloat(":WAVeform:YORigin?")
	if err != nil {
		return nil, err
	}
	yref, err := s.queryInt(":WAVeform:YREFerence?")
	if err != nil {
		return nil, err
	}
	if uint64(yref) == rigolEmptyReference {
		return nil, &EmptyDataError{Channel: ch}
	}

	volts := make([]float64, 0, total)
	nbatches := (total + s.maxPointsPerRead - 1) / s.maxPointsPerRead
	for batch := 0; batch < nbatches; batch++ {
		// WAVeform:STARt/STOP take 1-based inclusive sample indices.
		start := batch*s.maxPointsPerRead + 1
		stop := (batch + 1) * s.maxPointsPerRead
		if stop > total {
			stop = total
		}
		if err := s.dev.Command(fmt.Sprintf(":WAVeform:STARt %d", start)); err != nil {
			return nil, &TransportError{Op: "set batch start", Err: err}
		}
		if err := s.dev.Command(fmt.Sprintf(":WAVeform:STOP %d", stop)); err != nil {
			return nil, &TransportError{Op: "set batch stop", Err: err}
		}
		raw, err := s.dev.QueryBlock(":WAVeform:DATA?")
		if err != nil {
			return nil, &TransportError{Op: "read waveform data", Err: err}
		}
		for _, code := range raw {
			volts = append(volts, (float64(code)-float64(yref))*yinc-yorig)
		}
	}
	return volts, nil
}

// Close releases the instrument connection. Safe to call more than once.
func (s *RigolScope) Close() error {
	return s.dev.Close()
}

func (s *RigolScope) queryInt(q string) (int, error) {
	reply, err := s.dev.Query(q)
	if err != nil {
		return 0, &TransportError{Op: q, Err: err}
	}
	v, err := strconv.Atoi(reply)
	if err != nil {
		return 0, &TransportError{Op: q, Err: fmt.Errorf("reply %q is not an integer", reply)}
	}
	return v, nil
}

func (s *RigolScope) queryFloat(q string) (float64, error) {
	reply, err := s.dev.Query(q)
	if err != nil {
		return 0, &TransportError{Op: q, Err: err}
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, &TransportError{Op: q, Err: fmt.Errorf("reply %q is not a number", reply)}
	}
	return v, nil
}

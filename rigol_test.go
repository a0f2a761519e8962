package oscilock

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRigol is an in-memory DS1000Z front panel: enough SCPI to exercise the
// adapter's configure/arm/poll/read cycle.
type fakeRigol struct {
	commands []string // every Command in arrival order

	depth    int
	pinDepth bool // ignore :ACQuire:MDEPth commands, like a scope coercing the request
	waves    map[int][]byte // capture memory per channel
	yref     int

	trigReplies []string // successive :TRIGger:STATus? responses; last repeats
	trigIdx     int

	source      int
	start, stop int // 1-based inclusive batch window
}

func newFakeRigol(depth int) *fakeRigol {
	f := &fakeRigol{
		depth:       depth,
		waves:       map[int][]byte{},
		yref:        127,
		trigReplies: []string{"RUN", "WAIT", "STOP"},
	}
	for ch := 1; ch <= 2; ch++ {
		wave := make([]byte, depth)
		for i := range wave {
			wave[i] = byte((i + 13*ch) % 251)
		}
		f.waves[ch] = wave
	}
	return f
}

func (f *fakeRigol) Command(cmd string) error {
	f.commands = append(f.commands, cmd)
	var n int
	switch {
	case scanCmd(cmd, ":WAVeform:SOURce CHANnel%d", &n):
		f.source = n
	case scanCmd(cmd, ":WAVeform:STARt %d", &n):
		f.start = n
	case scanCmd(cmd, ":WAVeform:STOP %d", &n):
		f.stop = n
	case scanCmd(cmd, ":ACQuire:MDEPth %d", &n):
		if !f.pinDepth {
			f.depth = n
		}
	}
	return nil
}

func scanCmd(cmd, format string, arg *int) bool {
	_, err := fmt.Sscanf(cmd, format, arg)
	return err == nil && strings.HasPrefix(cmd, format[:strings.Index(format, "%")])
}

func (f *fakeRigol) Query(q string) (string, error) {
	switch q {
	case "*IDN?":
		return "RIGOL TECHNOLOGIES,DS1054Z,FAKE000001,00.04.04", nil
	case ":ACQuire:MDEPth?":
		return strconv.Itoa(f.depth), nil
	case ":TRIGger:STATus?":
		reply := f.trigReplies[f.trigIdx]
		if f.trigIdx < len(f.trigReplies)-1 {
			f.trigIdx++
		}
		return reply, nil
	case ":WAVeform:YINCrement?":
		return "0.01", nil
	case ":WAVeform:YORigin?":
		return "0", nil
	case ":WAVeform:YREFerence?":
		return strconv.Itoa(f.yref), nil
	case ":WAVeform:XINCrement?":
		return "1e-05", nil
	case ":WAVeform:XORigin?":
		return "-0.05", nil
	}
	return "", fmt.Errorf("fake has no reply for %q", q)
}

func (f *fakeRigol) QueryBlock(q string) ([]byte, error) {
	if q != ":WAVeform:DATA?" {
		return nil, fmt.Errorf("fake has no block reply for %q", q)
	}
	wave := f.waves[f.source]
	if f.start < 1 || f.stop > len(wave) || f.start > f.stop {
		return nil, fmt.Errorf("batch window [%d, %d] outside capture of %d", f.start, f.stop, len(wave))
	}
	return wave[f.start-1 : f.stop], nil
}

func (f *fakeRigol) Close() error { return nil }

func validRigolConfig() *ScopeConfig {
	return &ScopeConfig{
		MemoryDepth:   6000,
		ChannelRanges: map[Channel]float64{Channel1: 5.0, Channel2: 5.0},
		RefChannel:    Channel1,
		SigChannel:    Channel2,
	}
}

func TestRigolConfigureValidatesFirst(t *testing.T) {
	// Invalid parameters must be rejected before any command reaches the
	// instrument.
	cases := []*ScopeConfig{
		{MemoryDepth: 12345, RefChannel: Channel1, SigChannel: Channel2},
		{MemoryDepth: 6000, RefChannel: Channel1, SigChannel: Channel1},
		{MemoryDepth: 6000, RefChannel: 0, SigChannel: Channel2},
		{MemoryDepth: 6000, RefChannel: Channel1, SigChannel: Channel(9)},
	}
	for i, cfg := range cases {
		dev := newFakeRigol(6000)
		s := newRigolScope(dev, nil)
		err := s.Configure(cfg)
		require.Error(t, err, "case %d", i)
		assert.IsType(t, &ConfigError{}, err, "case %d", i)
		assert.Empty(t, dev.commands, "case %d sent commands before validation", i)
	}
}

func TestRigolConfigure(t *testing.T) {
	dev := newFakeRigol(6000)
	s := newRigolScope(dev, nil)
	require.NoError(t, s.Configure(validRigolConfig()))

	joined := strings.Join(dev.commands, "\n")
	for _, want := range []string{
		":CHANnel1:DISPlay ON",
		":CHANnel2:DISPlay ON",
		":CHANnel3:DISPlay OFF",
		":CHANnel4:DISPlay OFF",
		":ACQuire:MDEPth 6000",
		":WAVeform:FORMat BYTE",
		":WAVeform:MODE RAW",
		":TRIGger:SWEep SINGle",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestRigolConfigureDepthReadback(t *testing.T) {
	// An instrument that silently coerces the requested depth must be
	// caught by the readback check.
	dev := newFakeRigol(6000)
	dev.pinDepth = true
	s := newRigolScope(dev, nil)
	cfg := validRigolConfig()
	cfg.MemoryDepth = 60000
	err := s.Configure(cfg)
	require.Error(t, err)
	assert.IsType(t, &ConfigError{}, err)
}

func TestRigolAcquire(t *testing.T) {
	dev := newFakeRigol(6000)
	s := newRigolScope(dev, nil)
	s.pollInterval = time.Millisecond
	require.NoError(t, s.Configure(validRigolConfig()))

	data, err := s.Acquire()
	require.NoError(t, err)
	require.Len(t, data.Ref, 6000)
	require.Len(t, data.Signal, 6000)
	assert.Equal(t, 1e-05, data.TimeIncrement)
	assert.Equal(t, -0.05, data.TimeOrigin)

	// Voltage scaling: (code - yref) * yinc - yorig.
	wantRef0 := (float64(dev.waves[1][0]) - 127) * 0.01
	assert.InDelta(t, wantRef0, data.Ref[0], 1e-12)
	wantSigLast := (float64(dev.waves[2][5999]) - 127) * 0.01
	assert.InDelta(t, wantSigLast, data.Signal[5999], 1e-12)

	// The WAIT status must have provoked a forced trigger.
	assert.GreaterOrEqual(t, countOf(dev.commands, ":TFORce"), 2)
}

func TestRigolChunkedRead(t *testing.T) {
	const depth = 600000
	dev := newFakeRigol(depth)
	s := newRigolScope(dev, nil)
	s.pollInterval = time.Millisecond
	cfg := validRigolConfig()
	cfg.MemoryDepth = depth
	require.NoError(t, s.Configure(cfg))

	data, err := s.Acquire()
	require.NoError(t, err)
	require.Len(t, data.Ref, depth)
	require.Len(t, data.Signal, depth)

	// Every sample, including those at batch boundaries, matches the
	// fake's capture memory after scaling.
	for _, i := range []int{0, 124999, 125000, 250000, 599999} {
		want := (float64(dev.waves[1][i]) - 127) * 0.01
		if data.Ref[i] != want {
			t.Fatalf("ref[%d] = %v, want %v", i, data.Ref[i], want)
		}
	}

	// Batched reads must be indistinguishable from one unbounded read of
	// the same memory.
	whole := newFakeRigol(depth)
	single := newRigolScope(whole, nil)
	single.pollInterval = time.Millisecond
	single.maxPointsPerRead = depth
	require.NoError(t, single.Configure(cfg))
	wholeData, err := single.Acquire()
	require.NoError(t, err)
	assert.Equal(t, wholeData.Ref, data.Ref)
	assert.Equal(t, wholeData.Signal, data.Signal)

	// 600000 samples in 125000-sample batches is 5 windows per channel.
	starts := 0
	for _, cmd := range dev.commands {
		if strings.HasPrefix(cmd, ":WAVeform:STARt ") {
			starts++
		}
	}
	assert.Equal(t, 10, starts, "5 batches per channel expected")
	assert.Contains(t, dev.commands, ":WAVeform:STARt 500001")
	assert.Contains(t, dev.commands, ":WAVeform:STOP 600000")
}

func TestRigolEmptyMemorySentinel(t *testing.T) {
	dev := newFakeRigol(6000)
	dev.yref = 4294967295
	s := newRigolScope(dev, nil)
	s.pollInterval = time.Millisecond
	require.NoError(t, s.Configure(validRigolConfig()))

	_, err := s.Acquire()
	require.Error(t, err)
	var ede *EmptyDataError
	require.ErrorAs(t, err, &ede)
	assert.Equal(t, Channel1, ede.Channel)
}

func TestRigolTriggerTimeout(t *testing.T) {
	dev := newFakeRigol(6000)
	dev.trigReplies = []string{"RUN"} // never reaches STOP
	s := newRigolScope(dev, nil)
	s.pollInterval = time.Millisecond
	s.maxTriggerWait = 10 * time.Millisecond
	require.NoError(t, s.Configure(validRigolConfig()))

	begin := time.Now()
	_, err := s.Acquire()
	waited := time.Since(begin)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "RUN", te.LastVal)
	assert.Less(t, waited, time.Second, "timeout must fire near the configured bound")
}

func TestRigolAcquireBeforeConfigure(t *testing.T) {
	s := newRigolScope(newFakeRigol(6000), nil)
	_, err := s.Acquire()
	assert.IsType(t, &ConfigError{}, err)
}

func countOf(cmds []string, want string) int {
	n := 0
	for _, c := range cmds {
		if c == want {
			n++
		}
	}
	return n
}

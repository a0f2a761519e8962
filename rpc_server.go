package oscilock

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"

	"github.com/oscilock/oscilock/internal/rundb"
)

// LockInControl is the JSON-RPC sub-server that handles configuration and
// operation of the lock-in daemon: one scope source active at a time, one
// acquisition loop driving it.
type LockInControl struct {
	scopeConfig  ScopeConfig
	haveScopeCfg bool
	settings     LockInSettings

	scope  Oscilloscope
	loop   *AcquisitionLoop
	runMsg *rundb.RunMessage

	status        ServerStatus
	db            *rundb.Connection
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that LockInControl reports to clients.
type ServerStatus struct {
	Running     bool
	SourceName  string
	MemoryDepth int
	RunID       string
}

// ConfigureScope stores the capture parameters to be applied when a source
// is next started. Channel assignments are checked here; depth and rate are
// checked against the chosen variant at Start.
func (s *LockInControl) ConfigureScope(cfg *ScopeConfig, reply *bool) error {
	if err := cfg.validateChannels(); err != nil {
		*reply = false
		return err
	}
	log.Printf("ConfigureScope: depth=%d, ref=%v, sig=%v\n", cfg.MemoryDepth, cfg.RefChannel, cfg.SigChannel)
	s.scopeConfig = *cfg
	s.haveScopeCfg = true
	s.clientUpdates <- ClientUpdate{"SCOPE", cfg}
	*reply = true
	return nil
}

// ConfigureLockIn stores the processing settings used by subsequent cycles.
// A running loop keeps the settings it started with.
func (s *LockInControl) ConfigureLockIn(settings *LockInSettings, reply *bool) error {
	if err := settings.Validate(); err != nil {
		*reply = false
		return err
	}
	log.Printf("ConfigureLockIn: cutoff=%.3g Hz, order=%d, fraction=%.3g\n",
		settings.LowPassCutoffHz, settings.FilterOrder, settings.AveragingFraction)
	s.settings = *settings
	s.clientUpdates <- ClientUpdate{"LOCKIN", settings}
	*reply = true
	return nil
}

// SourceArgs names the scope variant to start and, for hardware variants,
// its SCPI endpoint (host:port, normally port 5025).
type SourceArgs struct {
	Name    string // RIGOL, KEYSIGHT, or SIM
	Address string
}

func makeScope(args *SourceArgs) (Oscilloscope, string, error) {
	name := strings.ToUpper(args.Name)
	switch name {
	case "RIGOL":
		scope, err := NewRigolScope(args.Address, UpdateLogger)
		return scope, name, err
	case "KEYSIGHT":
		scope, err := NewKeysightScope(args.Address, UpdateLogger)
		return scope, name, err
	case "SIM":
		return NewSimScope(), name, nil
	}
	return nil, "", fmt.Errorf("scope source %q is not recognized (want RIGOL, KEYSIGHT, or SIM)", args.Name)
}

// ConfigSchema reports the configurable parameters of the named scope
// variant as explicit {name, type, allowed, default} records.
func (s *LockInControl) ConfigSchema(args *SourceArgs, reply *[]ConfigField) error {
	switch strings.ToUpper(args.Name) {
	case "RIGOL":
		*reply = (&RigolScope{}).ConfigSchema()
	case "KEYSIGHT":
		*reply = (&KeysightScope{}).ConfigSchema()
	case "SIM":
		*reply = (&SimScope{}).ConfigSchema()
	default:
		return fmt.Errorf("scope source %q is not recognized", args.Name)
	}
	return nil
}

// Start connects the named source, applies the stored configuration, and
// launches the continuous acquisition loop. Estimates stream out on the
// status port under the ESTIMATE tag, one per cycle.
func (s *LockInControl) Start(args *SourceArgs, reply *bool) error {
	if s.scope != nil {
		return fmt.Errorf("a source is already active (%s); call Stop first", s.status.SourceName)
	}
	if !s.haveScopeCfg {
		return fmt.Errorf("no scope configuration stored; call LockInControl.ConfigureScope first")
	}
	scope, name, err := makeScope(args)
	if err != nil {
		return err
	}
	if err := scope.Configure(&s.scopeConfig); err != nil {
		scope.Close()
		return err
	}

	runID := rundb.NewRunID()
	hostname, _ := os.Hostname()
	s.runMsg = &rundb.RunMessage{
		ID:                runID,
		Hostname:          hostname,
		Source:            name,
		MemoryDepth:       s.scopeConfig.MemoryDepth,
		LowPassCutoffHz:   s.settings.LowPassCutoffHz,
		FilterOrder:       s.settings.FilterOrder,
		AveragingFraction: s.settings.AveragingFraction,
		Start:             time.Now(),
	}
	s.db.RecordRun(s.runMsg)

	loop := NewAcquisitionLoop(scope, UpdateLogger)
	ncycles := 0
	onEstimate := func(e AveragedEstimate) {
		ncycles++
		s.clientUpdates <- ClientUpdate{"ESTIMATE", e}
		s.db.RecordEstimate(&rundb.EstimateMessage{
			RunID:         runID,
			Cycle:         ncycles,
			Amplitude:     e.Amplitude,
			PhaseRadians:  e.Phase,
			FundamentalHz: e.FundamentalHz,
			Timestamp:     e.Timestamp,
		})
	}
	onError := func(err error) {
		// The loop has already deactivated itself; the source stays
		// attached until the client calls Stop.
		s.clientUpdates <- ClientUpdate{"ERROR", err.Error()}
	}
	if err := loop.Start(s.settings, onEstimate, onError); err != nil {
		scope.Close()
		return err
	}

	log.Printf("Starting scope source named %s\n", name)
	log.Println(spew.Sdump(s.scopeConfig, s.settings))
	s.scope = scope
	s.loop = loop
	s.status.Running = true
	s.status.SourceName = name
	s.status.MemoryDepth = s.scopeConfig.MemoryDepth
	s.status.RunID = runID
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"SOURCE", name}
	*reply = true
	return nil
}

// Stop halts the acquisition loop, closes the source, and records the run's
// end time.
func (s *LockInControl) Stop(dummy *string, reply *bool) error {
	if s.scope == nil {
		return fmt.Errorf("no source is active")
	}
	log.Printf("Stopping scope source\n")
	if err := s.loop.Stop(); err != nil {
		// The loop stops itself after a failed cycle, so an inactive
		// loop here is normal.
		UpdateLogger.Printf("loop was already stopped: %v", err)
	}
	s.scope.Close()
	s.scope = nil
	s.loop = nil

	if s.runMsg != nil {
		s.runMsg.End = time.Now()
		s.db.FinishRun(s.runMsg)
		s.runMsg = nil
	}
	s.status.Running = false
	s.status.SourceName = ""
	s.status.MemoryDepth = 0
	s.status.RunID = ""
	s.broadcastUpdate()
	*reply = true
	return nil
}

// DebugRunArgs names a source for a single diagnostic cycle. A non-empty
// SaveDirectory receives the full arrays as .npy files.
type DebugRunArgs struct {
	Source        SourceArgs
	SaveDirectory string
}

// DebugRunReply returns the single-cycle estimate plus the result size, so
// a client can sanity-check the pipeline without subscribing to the stream.
type DebugRunReply struct {
	Estimate      AveragedEstimate
	FundamentalHz float64
	Nsamples      int
}

// DebugRun connects the named source, performs exactly one
// acquire-process-average cycle, and disconnects. It refuses to run while a
// source is active.
func (s *LockInControl) DebugRun(args *DebugRunArgs, reply *DebugRunReply) error {
	if s.scope != nil {
		return fmt.Errorf("a source is active (%s); stop it before a debug run", s.status.SourceName)
	}
	if !s.haveScopeCfg {
		return fmt.Errorf("no scope configuration stored; call LockInControl.ConfigureScope first")
	}
	scope, name, err := makeScope(&args.Source)
	if err != nil {
		return err
	}
	defer scope.Close()
	if err := scope.Configure(&s.scopeConfig); err != nil {
		return err
	}

	log.Printf("DebugRun on source %s\n", name)
	loop := NewAcquisitionLoop(scope, UpdateLogger)
	result, refs, err := loop.RunOnce(s.settings)
	if err != nil {
		return err
	}
	estimate, err := Average(result, s.settings.AveragingFraction)
	if err != nil {
		return err
	}
	if args.SaveDirectory != "" {
		if err := SaveResultNPY(args.SaveDirectory, result, refs); err != nil {
			return err
		}
		UpdateLogger.Printf("debug run arrays saved under %s", args.SaveDirectory)
	}
	reply.Estimate = estimate
	reply.FundamentalHz = result.FundamentalHz
	reply.Nsamples = len(result.Amplitude)
	return nil
}

func (s *LockInControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.status}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *LockInControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	if s.haveScopeCfg {
		s.clientUpdates <- ClientUpdate{"SCOPE", &s.scopeConfig}
	}
	s.clientUpdates <- ClientUpdate{"LOCKIN", &s.settings}
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(messageChan chan<- ClientUpdate, db *rundb.Connection, portrpc int) {
	control := new(LockInControl)
	control.clientUpdates = messageChan
	control.db = db
	control.settings = DefaultLockInSettings

	// Load stored settings
	var okay bool
	log.Printf("Oscilock is using config file %s\n", viper.ConfigFileUsed())
	var settings LockInSettings
	if err := viper.UnmarshalKey("lockin", &settings); err == nil && settings.FilterOrder > 0 {
		control.ConfigureLockIn(&settings, &okay)
	}
	var cfg ScopeConfig
	if err := viper.UnmarshalKey("scope", &cfg); err == nil && cfg.RefChannel != 0 {
		control.ConfigureScope(&cfg, &okay)
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			control.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(control)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}

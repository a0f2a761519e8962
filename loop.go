package oscilock

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// SourceState is used to indicate the active/inactive/transition state of
// the acquisition loop.
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Loop is not active
	Starting                    // Loop is in transition to Active state
	Active                      // Loop is actively acquiring data
	Stopping                    // Loop is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// minCycleDelay throttles the request rate on the instrument between
// acquisition cycles.
const minCycleDelay = 100 * time.Millisecond

// AcquisitionLoop drives continuous operation: it repeatedly acquires a
// capture, runs the lock-in pipeline, averages, and delivers one
// AveragedEstimate per cycle until stopped or until a cycle fails. At most
// one cycle is ever in flight; starting while active reports an error
// instead of stacking a second loop.
type AcquisitionLoop struct {
	scope Oscilloscope
	log   *log.Logger
	delay time.Duration

	stateLock sync.Mutex // guards state
	state     SourceState
	abort     chan struct{}
	runDone   sync.WaitGroup
}

// NewAcquisitionLoop wraps scope in a loop. The logger may be nil, in which
// case UpdateLogger is used. The scope must already be configured.
func NewAcquisitionLoop(scope Oscilloscope, logger *log.Logger) *AcquisitionLoop {
	if logger == nil {
		logger = UpdateLogger
	}
	return &AcquisitionLoop{scope: scope, log: logger, delay: minCycleDelay}
}

// Running tells whether the loop is actively acquiring.
func (l *AcquisitionLoop) Running() bool {
	return l.GetState() == Active
}

// GetState returns the loop state in a race-free fashion.
func (l *AcquisitionLoop) GetState() SourceState {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()
	return l.state
}

// Start launches the continuous loop on its own goroutine. Each completed
// cycle calls onEstimate; a failed cycle calls onError once and stops the
// loop (nothing is retried inside the core). Estimates are delivered in
// cycle-completion order, one at a time. Starting an already-running loop
// returns an error and leaves the running loop untouched.
func (l *AcquisitionLoop) Start(settings LockInSettings, onEstimate func(AveragedEstimate), onError func(error)) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	l.stateLock.Lock()
	if l.state != Inactive {
		l.stateLock.Unlock()
		return fmt.Errorf("acquisition loop is already running (state %v)", l.state)
	}
	l.state = Starting
	l.abort = make(chan struct{})
	l.runDone.Add(1)
	l.state = Active
	l.stateLock.Unlock()

	go l.coreLoop(settings, onEstimate, onError)
	return nil
}

// coreLoop runs acquisition cycles until aborted or until one fails. The
// abort channel is observed only at cycle boundaries: an in-progress
// instrument read runs to completion or to its own timeout first.
func (l *AcquisitionLoop) coreLoop(settings LockInSettings, onEstimate func(AveragedEstimate), onError func(error)) {
	defer func() {
		l.stateLock.Lock()
		l.state = Inactive
		l.stateLock.Unlock()
		l.runDone.Done()
	}()

	start := time.Now()
	for ncycles := 0; ; ncycles++ {
		select {
		case <-l.abort:
			l.log.Printf("acquisition loop stopped after %d cycles", ncycles)
			return
		default:
		}

		cycleStart := time.Now()
		estimate, err := l.runCycle(settings)
		if err != nil {
			ProblemLogger.Printf("acquisition loop cycle %d failed: %v", ncycles, err)
			if onError != nil {
				onError(err)
			}
			return
		}
		estimate.Timestamp = time.Since(start).Seconds()
		if onEstimate != nil {
			onEstimate(estimate)
		}

		if wait := l.delay - time.Since(cycleStart); wait > 0 {
			select {
			case <-l.abort:
				l.log.Printf("acquisition loop stopped after %d cycles", ncycles+1)
				return
			case <-time.After(wait):
			}
		}
	}
}

// runCycle performs one acquire→process→average pass. Any error aborts the
// cycle cleanly; no partial result surfaces.
func (l *AcquisitionLoop) runCycle(settings LockInSettings) (AveragedEstimate, error) {
	data, err := l.scope.Acquire()
	if err != nil {
		return AveragedEstimate{}, err
	}
	result, err := PerformLockIn(data, settings)
	if err != nil {
		return AveragedEstimate{}, err
	}
	return Average(result, settings.AveragingFraction)
}

// Stop tells an active loop to deactivate and waits for the current cycle
// to finish. Stopping an inactive loop is an error; a second Stop during
// shutdown is ignored.
func (l *AcquisitionLoop) Stop() error {
	l.stateLock.Lock()
	switch l.state {
	case Inactive:
		l.stateLock.Unlock()
		return fmt.Errorf("acquisition loop not active, cannot stop")
	case Stopping:
		l.stateLock.Unlock()
		return nil
	}
	l.state = Stopping
	closeIfOpen(l.abort)
	l.stateLock.Unlock()

	l.runDone.Wait()
	return nil
}

// RunOnce performs exactly one acquire→process cycle and returns the full
// LockInResult plus the synthesized reference pair, for inspection. It
// refuses to run while the continuous loop is active.
func (l *AcquisitionLoop) RunOnce(settings LockInSettings) (*LockInResult, *ReferenceSignals, error) {
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}
	l.stateLock.Lock()
	if l.state != Inactive {
		l.stateLock.Unlock()
		return nil, nil, fmt.Errorf("acquisition loop is running (state %v); stop it before a debug run", l.state)
	}
	l.state = Active
	l.stateLock.Unlock()
	defer func() {
		l.stateLock.Lock()
		l.state = Inactive
		l.stateLock.Unlock()
	}()

	data, err := l.scope.Acquire()
	if err != nil {
		return nil, nil, err
	}
	return performLockIn(data, settings)
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

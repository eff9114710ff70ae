// Package statistics keeps a circuit breaker for every remote server that
// federation requests are sent to.
package statistics

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// BreakerState is the state of the circuit to one destination.
type BreakerState int

const (
	// Closed lets every request through.
	Closed BreakerState = iota
	// Open fails every request without trying it.
	Open
	// HalfOpen lets one trial request through to see whether the
	// destination has come back.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// maxBackoff caps how long a circuit stays open.
const maxBackoff = 24 * time.Hour

const maxJitterMultiplier = 1.4
const minJitterMultiplier = 0.8

var breakerStates = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "breaker_destinations",
		Help:      "Number of destinations per circuit breaker state",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(breakerStates)
}

// Statistics contains information about all of the remote federated
// hosts that we have interacted with. It is safe for concurrent use.
type Statistics struct {
	servers *xsync.MapOf[spec.ServerName, *ServerStatistics]

	// How many consecutive failures open the circuit to a destination.
	FailuresUntilOpen uint32

	now func() time.Time
}

func NewStatistics(failuresUntilOpen uint32) *Statistics {
	if failuresUntilOpen == 0 {
		failuresUntilOpen = 1
	}
	return &Statistics{
		servers:           xsync.NewMapOf[spec.ServerName, *ServerStatistics](),
		FailuresUntilOpen: failuresUntilOpen,
		now:               time.Now,
	}
}

// ForServer returns server statistics for the given server name. If it
// does not exist, it will create empty statistics and return those.
func (s *Statistics) ForServer(serverName spec.ServerName) *ServerStatistics {
	server, _ := s.servers.LoadOrCompute(serverName, func() *ServerStatistics {
		breakerStates.WithLabelValues(Closed.String()).Inc()
		return &ServerStatistics{
			statistics: s,
			serverName: serverName,
		}
	})
	return server
}

// ServerStatistics is the circuit breaker for one remote server. State
// changes are serialised by the breaker's own mutex, so that breakers for
// different servers never contend.
type ServerStatistics struct {
	statistics      *Statistics     //
	serverName      spec.ServerName //
	mutex           sync.Mutex      // protects the fields below
	state           BreakerState    // current state of the circuit
	openUntil       time.Time       // when an open circuit may be tried again
	trialInFlight   bool            // a half-open trial request is running
	backoffTimer    *time.Timer     // fires when openUntil passes
	failures        atomic.Uint32   // consecutive failures while closed
	backoffCount    atomic.Uint32   // how many times the circuit opened in a row
	successCounter  atomic.Uint32   // how many times have we succeeded?
	backoffNotifier func()          // notifies destination queue when backoff completes
	notifierMutex   sync.Mutex
}

// duration returns how long the circuit stays open after it opened count
// times in a row.
func (s *ServerStatistics) duration(count uint32) time.Duration {
	// Add some jitter to minimise the chance of having multiple backoffs
	// ending at the same time.
	jitter := rand.Float64()*(maxJitterMultiplier-minJitterMultiplier) + minJitterMultiplier
	seconds := math.Exp2(float64(count)) * jitter
	if seconds >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Millisecond * time.Duration(seconds*1000)
}

// setState must be called with the mutex held.
func (s *ServerStatistics) setState(state BreakerState) {
	if s.state == state {
		return
	}
	breakerStates.WithLabelValues(s.state.String()).Dec()
	breakerStates.WithLabelValues(state.String()).Inc()
	logrus.WithFields(logrus.Fields{
		"destination": s.serverName,
		"from":        s.state,
		"to":          state,
	}).Debug("Circuit breaker changed state")
	s.state = state
}

// Allow reports whether a request to the destination may be made now. An
// open circuit whose backoff has passed becomes half-open and lets exactly
// one caller through; the caller must then report Success or Failure.
func (s *ServerStatistics) Allow() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.state {
	case Closed:
		return true
	case Open:
		if s.statistics.now().Before(s.openUntil) {
			return false
		}
		s.setState(HalfOpen)
		s.trialInFlight = false
	}
	if s.trialInFlight {
		return false
	}
	s.trialInFlight = true
	return true
}

// Success closes the circuit and resets the failure counters.
func (s *ServerStatistics) Success() {
	s.mutex.Lock()
	s.setState(Closed)
	s.trialInFlight = false
	s.openUntil = time.Time{}
	s.stopTimer()
	s.failures.Store(0)
	s.backoffCount.Store(0)
	s.mutex.Unlock()

	s.successCounter.Inc()
}

// Failure records a failed request. It returns the time until which the
// circuit is open and whether it is open. A failed half-open trial opens
// the circuit again for twice as long as before.
func (s *ServerStatistics) Failure() (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.state {
	case Open:
		// A request let through before the circuit opened.
		return s.openUntil, true
	case HalfOpen:
		s.trialInFlight = false
		s.open()
		return s.openUntil, true
	}
	if s.failures.Inc() < s.statistics.FailuresUntilOpen {
		return time.Time{}, false
	}
	s.open()
	return s.openUntil, true
}

// Abandon records that a request let through by Allow ended without an
// answer that says anything about the destination, for example because
// the caller gave up. A half-open circuit lets the next caller try.
func (s *ServerStatistics) Abandon() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == HalfOpen {
		s.trialInFlight = false
	}
}

// open must be called with the mutex held.
func (s *ServerStatistics) open() {
	count := s.backoffCount.Inc()
	backoff := s.duration(count)
	s.openUntil = s.statistics.now().Add(backoff)
	s.setState(Open)
	s.stopTimer()
	s.backoffTimer = time.AfterFunc(backoff, s.backoffFinished)
	logrus.WithFields(logrus.Fields{
		"destination": s.serverName,
		"backoff":     backoff,
	}).Info("Circuit to destination opened")
}

// stopTimer must be called with the mutex held.
func (s *ServerStatistics) stopTimer() {
	// If the timer is still running then stop it so it's memory is cleaned up sooner.
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
	}
}

// backoffFinished moves an open circuit to half-open and notifies the
// destination queue.
func (s *ServerStatistics) backoffFinished() {
	s.mutex.Lock()
	if s.state == Open && !s.statistics.now().Before(s.openUntil) {
		s.setState(HalfOpen)
		s.trialInFlight = false
	}
	s.backoffTimer = nil
	s.mutex.Unlock()

	// Notify the destinationQueue if one is currently running.
	s.notifierMutex.Lock()
	defer s.notifierMutex.Unlock()
	if s.backoffNotifier != nil {
		s.backoffNotifier()
	}
}

// AssignBackoffNotifier configures the function to call when a backoff
// completes.
func (s *ServerStatistics) AssignBackoffNotifier(notifier func()) {
	s.notifierMutex.Lock()
	defer s.notifierMutex.Unlock()
	s.backoffNotifier = notifier
}

// State returns the current state of the circuit.
func (s *ServerStatistics) State() BreakerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// BackoffInfo returns the time until which the circuit is open, or nil if
// it is not open.
func (s *ServerStatistics) BackoffInfo() *time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != Open {
		return nil
	}
	until := s.openUntil
	return &until
}

// ConsecutiveFailures returns how many requests failed since the last
// success while the circuit was closed.
func (s *ServerStatistics) ConsecutiveFailures() uint32 {
	return s.failures.Load()
}

// SuccessCount returns the number of successful requests. This is
// usually useful in constructing transaction IDs.
func (s *ServerStatistics) SuccessCount() uint32 {
	return s.successCounter.Load()
}

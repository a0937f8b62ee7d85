// Package eventmgr implements the per-event Manager (spec.md §4.6): the
// collaborator that sizes and owns one internal/slotserver.Server, wraps
// its acquire/access/send sequence behind allocate/send, and resolves
// receiver admission through an access-control boundary and an
// integrity-level-keyed class table. Grounded on the teacher's
// atomic.Uint64 counter style in metrics.go (the session counter below
// is the same pattern) and internal/interfaces' small-boundary-interface
// convention (AccessControl here plays the role the teacher's Backend
// interface plays).
package eventmgr

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/vectoripc/safeipc-core/internal/constants"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/slotserver"
)

// sessionCounter is the process-wide monotonic counter spec.md §6 and §9
// describe: one atomic, incremented exactly once per sent slot, shared by
// every Manager in the process. Relaxed-load/fetch-add semantics map
// directly onto atomic.Uint64.Add.
var sessionCounter atomic.Uint64

func nextSequence() uint64 {
	return sessionCounter.Add(1)
}

// Abort terminates the process. A package variable so tests can
// substitute a non-fatal stand-in; production code never overrides it.
// Invoked only for the catastrophic-invariant-violation case in spec.md
// §7: a receiver at or above the server's own integrity level observed
// corrupted.
var Abort = func() { os.Exit(1) }

// ReceiverClassConfig associates one slotserver class with the integrity
// level that resolves to it.
type ReceiverClassConfig struct {
	Name           string
	Level          interfaces.IntegrityLevel
	MaxSlots       int
	MaxConnections int
}

// tracingClassName is the pseudo-class the tracing receiver attaches to,
// sized from the constant tracing budget rather than a configured
// integrity-level class (spec.md §4.6 "plus one receiver slot if tracing
// is enabled").
const tracingClassName = "tracing"

// InitMode selects how Allocate prepares a freshly acquired slot's
// payload (spec.md §4.6 "constructor-init, zero-init, or uninitialized").
type InitMode int

const (
	InitUninitialized InitMode = iota
	InitZero
)

// Config bundles Manager construction parameters; Initialize builds the
// underlying slotserver.Server from it.
type Config struct {
	Classes              []ReceiverClassConfig
	PayloadSize          uint32
	Alignment            uint32
	MemoryTechnology     slotserver.MemoryTechnology
	TracingEnabled       bool
	InitMode             InitMode
	ServerIntegrityLevel interfaces.IntegrityLevel
	AccessControl        interfaces.AccessControl
	Provisioner          interfaces.ShmProvisioner
	Logger               interfaces.Logger
	Observer             interfaces.Observer
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	// ErrSampleAllocationFailure is returned by Allocate when no slot is
	// free.
	ErrSampleAllocationFailure = sentinelError("eventmgr: sample allocation failure")
	// ErrPrivileges is returned by AddReceiver when access control denies
	// the subscription.
	ErrPrivileges = sentinelError("eventmgr: privileges denied")
	// ErrResourceExhaustion is returned by AddReceiver when the resolved
	// class's connection quota (or the server's total receiver cap) is
	// full.
	ErrResourceExhaustion = sentinelError("eventmgr: resource exhaustion")
	// ErrUnknownIntegrityLevel is returned when a peer's declared
	// integrity level does not resolve to a configured class (Open
	// Question (b): unknown is not-ok).
	ErrUnknownIntegrityLevel = sentinelError("eventmgr: unknown integrity level")
	// ErrStillInUse is returned by RemoveReceiver when the receiver has
	// outstanding asynchronous work.
	ErrStillInUse = sentinelError("eventmgr: receiver still in use")
)

// AllocatedSample is a slot reserved for one outgoing event, held by the
// caller between Allocate and Send.
type AllocatedSample struct {
	token   slotserver.Token
	Payload []byte
}

// Manager is one event's admission and slot-server wrapper.
type Manager struct {
	server *slotserver.Server

	classByLevel map[interfaces.IntegrityLevel]string

	serverLevel   interfaces.IntegrityLevel
	accessControl interfaces.AccessControl
	initMode      InitMode
	tracing       bool

	logger   interfaces.Logger
	observer interfaces.Observer
}

// Initialize builds the C5 server with total slot count equal to the sum
// of every class's max_slots plus the constant tracing budget, plus one
// receiver slot if tracing is enabled (spec.md §4.6).
func Initialize(cfg Config) (*Manager, error) {
	totalSlots := constants.TracingSlotBudget
	maxReceivers := 0
	slotClasses := make([]slotserver.ClassConfig, 0, len(cfg.Classes))
	classByLevel := make(map[interfaces.IntegrityLevel]string, len(cfg.Classes))
	for _, c := range cfg.Classes {
		totalSlots += c.MaxSlots
		maxReceivers += c.MaxConnections
		slotClasses = append(slotClasses, slotserver.ClassConfig{
			Name:           c.Name,
			Level:          c.Level,
			MaxSlots:       c.MaxSlots,
			MaxConnections: c.MaxConnections,
		})
		classByLevel[c.Level] = c.Name
	}
	if cfg.TracingEnabled {
		maxReceivers++
		slotClasses = append(slotClasses, slotserver.ClassConfig{
			Name:           tracingClassName,
			MaxSlots:       constants.TracingSlotBudget,
			MaxConnections: 1,
		})
	}

	server, err := slotserver.New(slotserver.Config{
		SlotCount:        totalSlots,
		PayloadSize:      cfg.PayloadSize,
		Alignment:        cfg.Alignment,
		MemoryTechnology: cfg.MemoryTechnology,
		MaxReceivers:     maxReceivers,
		Classes:          slotClasses,
		Provisioner:      cfg.Provisioner,
		Logger:           cfg.Logger,
		Observer:         cfg.Observer,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		server:        server,
		classByLevel:  classByLevel,
		serverLevel:   cfg.ServerIntegrityLevel,
		accessControl: cfg.AccessControl,
		initMode:      cfg.InitMode,
		tracing:       cfg.TracingEnabled,
		logger:        cfg.Logger,
		observer:      cfg.Observer,
	}, nil
}

// Allocate wraps reclaim + acquire_slot + access, returning
// ErrSampleAllocationFailure if no slot is free.
func (m *Manager) Allocate() (AllocatedSample, error) {
	m.server.Reclaim()
	tok, ok := m.server.AcquireSlot()
	if !ok {
		return AllocatedSample{}, ErrSampleAllocationFailure
	}
	payload, err := m.server.Access(tok)
	if err != nil {
		m.server.UnacquireSlot(tok)
		return AllocatedSample{}, err
	}
	if m.initMode == InitZero {
		for i := range payload {
			payload[i] = 0
		}
	}
	return AllocatedSample{token: tok, Payload: payload}, nil
}

// Send wraps access + timestamp/sequence stamp + send. A *ReceiverError
// returned by the underlying slot server is tolerated here: it is routed
// to handleCorruption rather than propagated to the caller (spec.md §4.6
// "send never returns a caller-visible error").
func (m *Manager) Send(sample AllocatedSample) {
	seq := nextSequence()
	if err := m.server.StampHeader(sample.token, uint64(time.Now().UnixNano()), seq); err != nil {
		if m.logger != nil {
			m.logger.Debugf("eventmgr: stamping header: %v", err)
		}
		return
	}
	var dropped []string
	err := m.server.Send(sample.token, &dropped)
	if m.logger != nil && len(dropped) > 0 {
		m.logger.Debugf("eventmgr: quota eviction dropped classes %v", dropped)
	}
	if err != nil {
		m.handleCorruption(err)
	}
}

func (m *Manager) handleCorruption(err error) {
	var rerr *slotserver.ReceiverError
	if !asReceiverError(err, &rerr) {
		return
	}
	if m.observer != nil {
		m.observer.ObserveReceiverFault(true)
	}
	className, _ := m.server.ReceiverClassName(rerr.Receiver)
	level, hasLevel := m.server.ReceiverIntegrityLevel(rerr.Receiver)
	if className != tracingClassName && hasLevel && level >= m.serverLevel {
		// A higher-or-equal-trust peer may not be failing a lower-trust
		// server; the spec requires aborting rather than limping on.
		Abort()
		return
	}
	m.server.RemoveReceiver(rerr.Receiver)
}

func asReceiverError(err error, target **slotserver.ReceiverError) bool {
	rerr, ok := err.(*slotserver.ReceiverError)
	if !ok {
		return false
	}
	*target = rerr
	return true
}

// ClassForLevel resolves an integrity level to its configured class name.
// Unknown levels are not-ok (Open Question (b)): ok is false.
func (m *Manager) ClassForLevel(level interfaces.IntegrityLevel) (string, bool) {
	name, ok := m.classByLevel[level]
	return name, ok
}

// AddReceiver performs the access-control check, resolves the peer's
// class (by integrity level, or the tracing pseudo-class if isTrace),
// enforces that class's per-class connection limit, and registers the
// receiver.
func (m *Manager) AddReceiver(service, instance, event uint32, peer interfaces.PeerCredentials, level interfaces.IntegrityLevel, isTrace bool, sideChannel interfaces.SideChannel) (slotserver.ReceiverID, error) {
	if m.accessControl != nil && !m.accessControl.CheckSubscribeRx(service, instance, event, peer) {
		if sideChannel != nil {
			sideChannel.Close()
			for sideChannel.IsInUse() {
				time.Sleep(time.Millisecond)
			}
		}
		return 0, ErrPrivileges
	}
	className := tracingClassName
	if !isTrace {
		resolved, ok := m.ClassForLevel(level)
		if !ok {
			if sideChannel != nil {
				sideChannel.Close()
			}
			return 0, ErrUnknownIntegrityLevel
		}
		className = resolved
	}
	id, err := m.server.AddReceiver(className, sideChannel)
	if err != nil {
		if sideChannel != nil {
			sideChannel.Close()
		}
		return 0, ErrResourceExhaustion
	}
	if err := m.server.ConnectReceiver(id); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveReceiver unregisters a receiver, preconditioned on it having no
// outstanding asynchronous work.
func (m *Manager) RemoveReceiver(id slotserver.ReceiverID) error {
	if err := m.server.RemoveReceiver(id); err != nil {
		if err == slotserver.ErrStillInUse {
			return ErrStillInUse
		}
		return err
	}
	return nil
}

// TransitionReceiver forwards an asynchronously observed receiver-state
// change to the underlying slot server.
func (m *Manager) TransitionReceiver(id slotserver.ReceiverID, state slotserver.ReceiverState) {
	m.server.TransitionReceiver(id, state)
}

// IsInUse reports whether the underlying slot server still has
// outstanding work.
func (m *Manager) IsInUse() bool {
	return m.server.IsInUse()
}

// Deinitialize drains, shuts the slot server down, and clears internal
// tables.
func (m *Manager) Deinitialize() {
	m.server.Reclaim()
	m.server.Shutdown()
	m.classByLevel = map[interfaces.IntegrityLevel]string{}
}

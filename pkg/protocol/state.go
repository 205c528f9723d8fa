package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/senpai-robotics/controller/pkg/ticket"
)

const stateLogPrefix = "protocol:state"

type commandState struct {
	mu               sync.Mutex
	sendPossible     bool
	waitingForAnswer bool
	inFlight         int
	lastClose        time.Time
	ticket           *ticket.Ticket
}

// StateTable holds the mutable runtime state of every catalogued command, one lock per entry.
// The descriptors themselves stay immutable.
type StateTable struct {
	entries [256]*commandState
	grace   time.Duration
	now     func() time.Time

	mu         sync.RWMutex
	onSendable []func(ID)
}

// NewStateTable builds the state table. A non-positive grace uses DefaultStreamGrace.
func NewStateTable(grace time.Duration) *StateTable {
	if grace <= 0 {
		grace = DefaultStreamGrace
	}
	st := &StateTable{grace: grace, now: time.Now}
	for _, cmd := range Commands() {
		e := &commandState{sendPossible: true}
		if cmd.ExpectsAnswer && !cmd.IsStream() {
			e.ticket = ticket.New(cmd.Name)
		}
		st.entries[cmd.ID] = e
	}
	return st
}

// OnSendable registers a callback run whenever a long command becomes sendable again.
func (s *StateTable) OnSendable(fn func(ID)) {
	s.mu.Lock()
	s.onSendable = append(s.onSendable, fn)
	s.mu.Unlock()
}

func (s *StateTable) entry(id ID) *commandState {
	e := s.entries[id]
	if e == nil {
		panic(Violation{Command: id, Reason: "unknown command"})
	}
	return e
}

// Ticket returns the command's reusable ticket, or nil when it expects no reply.
func (s *StateTable) Ticket(id ID) *ticket.Ticket {
	return s.entry(id).ticket
}

// SendPossible reports whether the command may be sent now.
func (s *StateTable) SendPossible(id ID) bool {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendPossible
}

// WaitingForAnswer reports whether a reply is expected for the command.
func (s *StateTable) WaitingForAnswer(id ID) bool {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitingForAnswer
}

// OrderSent records that the command was written to the link.
// Sending a long command that is not sendable panics with a Violation.
func (s *StateTable) OrderSent(id ID) {
	cmd := MustLookup(id)
	if cmd.IsStream() {
		return
	}
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cmd.IsLong() {
		if !e.sendPossible {
			panic(Violation{Command: id, Reason: "long command sent while its previous instance is in flight"})
		}
		e.sendPossible = false
	}
	if cmd.ExpectsAnswer {
		e.inFlight++
		e.waitingForAnswer = true
	}
}

// StreamChanged records a subscribe or unsubscribe order sent on a stream.
// Unsubscribing starts the grace window for in-flight samples.
func (s *StateTable) StreamChanged(id ID, subscribe bool) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waitingForAnswer = subscribe
	if !subscribe {
		e.lastClose = s.now()
	}
}

// AnswerReceived records a reply or stream sample for the command.
// A reply nobody waits for yields ErrUnexpectedReply; a sample past the grace window yields ErrLateSample.
func (s *StateTable) AnswerReceived(id ID) error {
	cmd, ok := Lookup(byte(id))
	if !ok {
		return fmt.Errorf("%s - 0x%02X: %w", stateLogPrefix, byte(id), ErrUnknownCommand)
	}
	e := s.entries[id]
	e.mu.Lock()

	if cmd.IsStream() {
		defer e.mu.Unlock()
		if !e.waitingForAnswer {
			if late := s.now().Sub(e.lastClose); e.lastClose.IsZero() || late > s.grace {
				return fmt.Errorf("%s - %s %s after unsubscribe: %w", stateLogPrefix, cmd.Name, late, ErrLateSample)
			}
		}
		return nil
	}

	if !cmd.ExpectsAnswer || !e.waitingForAnswer {
		e.mu.Unlock()
		return fmt.Errorf("%s - %s: %w", stateLogPrefix, cmd.Name, ErrUnexpectedReply)
	}
	e.inFlight--
	e.waitingForAnswer = e.inFlight > 0
	becameSendable := !e.sendPossible
	e.sendPossible = true
	e.mu.Unlock()

	if becameSendable {
		s.notifySendable(id)
	}
	return nil
}

func (s *StateTable) notifySendable(id ID) {
	s.mu.RLock()
	fns := s.onSendable
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

// Drain resets every command to sendable and fails all outstanding tickets.
// It runs once the link is closed for good.
func (s *StateTable) Drain() {
	for _, e := range s.entries {
		if e == nil {
			continue
		}
		e.mu.Lock()
		e.sendPossible = true
		e.waitingForAnswer = false
		e.inFlight = 0
		t := e.ticket
		e.mu.Unlock()
		if t != nil {
			t.Close()
		}
	}
}

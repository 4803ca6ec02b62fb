// Package shutdown is the per-account emergency shutdown latch.
//
// An account is NORMAL or SHUTDOWN. It moves to SHUTDOWN when the drawdown
// check fires or an operator triggers it, and back to NORMAL only when an
// operator clears it, in this process or in another one sharing the stored
// account row. Nothing in this package clears a latch on its own.
package shutdown

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrActorRequired = errors.New("shutdown: administrative action requires an actor")

type State int

const (
	Normal State = iota
	Shutdown
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Shutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Cause says what moved a latch.
type Cause string

const (
	CauseDrawdown Cause = "drawdown"
	CauseManual   Cause = "manual"
	CauseRestore  Cause = "restore"
)

// SystemActor is recorded for transitions the engine makes itself.
const SystemActor = "risk-engine"

// Event is one latch transition.
type Event struct {
	Account string    `json:"account"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Cause   Cause     `json:"cause"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Status is the current latch of one account.
type Status struct {
	Account string    `json:"account"`
	State   State     `json:"state"`
	Cause   Cause     `json:"cause,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since"`
}

// Latch holds every account's state. Accounts never seen are NORMAL.
type Latch struct {
	mu       sync.Mutex
	accounts map[string]Status
	epochs   map[string]uint64 // last stored clear epoch seen per account
	history  []Event
	now      func() time.Time
}

func NewLatch() *Latch {
	return &Latch{accounts: map[string]Status{}, epochs: map[string]uint64{}, now: time.Now}
}

// Active reports whether account is in SHUTDOWN.
func (l *Latch) Active(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[account].State == Shutdown
}

// Status returns the latch of account.
func (l *Latch) Status(account string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.accounts[account]
	if !ok {
		return Status{Account: account, State: Normal}
	}
	return st
}

// Trigger moves account to SHUTDOWN. A manual trigger needs an actor; a
// drawdown trigger is recorded against SystemActor when actor is empty.
// Triggering a latched account is a no-op and reports changed=false.
func (l *Latch) Trigger(account string, cause Cause, actor, reason string) (Event, bool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		if cause != CauseDrawdown {
			return Event{}, false, ErrActorRequired
		}
		actor = SystemActor
	}
	return l.move(account, Shutdown, cause, actor, reason)
}

// Clear moves account back to NORMAL. It always needs an actor.
func (l *Latch) Clear(account, actor, reason string) (Event, bool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Event{}, false, ErrActorRequired
	}
	return l.move(account, Normal, CauseManual, actor, reason)
}

// Restore lines the latch up with the stored account row. A set flag
// latches. A clear flag releases the latch only when epoch, the row's
// count of operator clears, is newer than any this latch has seen: a
// trigger whose write has not landed yet survives, while a clear made by
// another process takes effect here too.
func (l *Latch) Restore(account string, active bool, epoch uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := l.epochs[account]
	if epoch > seen {
		l.epochs[account] = epoch
	}
	var changed bool
	switch {
	case active:
		_, changed = l.moveLocked(account, Shutdown, CauseRestore, SystemActor, "restored from stored account state")
	case epoch > seen:
		_, changed = l.moveLocked(account, Normal, CauseRestore, SystemActor, "cleared in stored account state")
	}
	return changed
}

func (l *Latch) move(account string, to State, cause Cause, actor, reason string) (Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, changed := l.moveLocked(account, to, cause, actor, reason)
	return ev, changed, nil
}

func (l *Latch) moveLocked(account string, to State, cause Cause, actor, reason string) (Event, bool) {
	cur := l.accounts[account]
	if cur.State == to {
		return Event{}, false
	}
	ev := Event{
		Account: account,
		From:    cur.State,
		To:      to,
		Cause:   cause,
		Actor:   actor,
		Reason:  reason,
		At:      l.now().UTC(),
	}
	l.accounts[account] = Status{
		Account: account,
		State:   to,
		Cause:   cause,
		Actor:   actor,
		Reason:  reason,
		Since:   ev.At,
	}
	l.history = append(l.history, ev)
	return ev, true
}

// Statuses lists every account the latch has seen, sorted by account.
func (l *Latch) Statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.accounts))
	for _, st := range l.accounts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// History returns every transition in the order it happened.
func (l *Latch) History() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.history...)
}

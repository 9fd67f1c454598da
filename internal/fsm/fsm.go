// Package fsm is a small guarded transition table.
//
// Several transitions may share a (from, event) pair; the first one whose guards
// all pass is taken. Actions run before the state changes and abort the
// transition when they fail.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoTransition       = errors.New("no transition available")
	ErrTransitionRejected = errors.New("transition rejected by guards")
)

type Guard func() bool

type Action[S comparable] func(from, to S) error

type Transition[S, E comparable] struct {
	From    S
	To      S
	Event   E
	Guards  []Guard
	Actions []Action[S]
}

type Machine[S, E comparable] struct {
	mu          sync.RWMutex
	current     S
	transitions map[S]map[E][]Transition[S, E]
	onChange    []func(from, to S, event E)
}

func New[S, E comparable](initial S) *Machine[S, E] {
	return &Machine[S, E]{
		current:     initial,
		transitions: make(map[S]map[E][]Transition[S, E]),
	}
}

// Add registers t. Order of registration is the guard evaluation order.
func (m *Machine[S, E]) Add(t Transition[S, E]) *Machine[S, E] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions[t.From] == nil {
		m.transitions[t.From] = make(map[E][]Transition[S, E])
	}
	m.transitions[t.From][t.Event] = append(m.transitions[t.From][t.Event], t)
	return m
}

// OnChange registers a hook called after every successful transition,
// including self transitions.
func (m *Machine[S, E]) OnChange(fn func(from, to S, event E)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Machine[S, E]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Can reports whether event would be accepted in the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.pick(event)
	return err == nil
}

// Fire applies event and returns the new state.
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	t, err := m.pick(event)
	if err != nil {
		cur := m.current
		m.mu.Unlock()
		return cur, err
	}
	for _, a := range t.Actions {
		if err := a(t.From, t.To); err != nil {
			m.mu.Unlock()
			return t.From, fmt.Errorf("action failed: %w", err)
		}
	}
	m.current = t.To
	hooks := m.onChange
	m.mu.Unlock()

	for _, h := range hooks {
		h(t.From, t.To, event)
	}
	return t.To, nil
}

func (m *Machine[S, E]) pick(event E) (Transition[S, E], error) {
	candidates := m.transitions[m.current][event]
	if len(candidates) == 0 {
		return Transition[S, E]{}, fmt.Errorf("%w: %v on %v", ErrNoTransition, m.current, event)
	}
	for _, t := range candidates {
		ok := true
		for _, g := range t.Guards {
			if g != nil && !g() {
				ok = false
				break
			}
		}
		if ok {
			return t, nil
		}
	}
	return Transition[S, E]{}, fmt.Errorf("%w: %v on %v", ErrTransitionRejected, m.current, event)
}

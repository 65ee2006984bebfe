// Package dispatch routes decoded hub frames to registered handlers.
// A registration can claim exact opcodes, whole opcode families via a
// predicate, or both, and can restrict itself to one traffic direction.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/protocol"
)

// Direction labels which way a frame was travelling when it was observed.
type Direction string

const (
	DirAppToHub Direction = "A→H"
	DirHubToApp Direction = "H→A"
)

// HandlerFunc processes a single frame. Returning an error is informational;
// dispatch continues with the remaining handlers either way.
type HandlerFunc func(f protocol.Frame, dir Direction) error

// Matcher is a predicate over opcodes, used to claim opcode families.
type Matcher func(op uint16) bool

// Registration describes what a handler wants to see.
type Registration struct {
	Name       string
	Opcodes    []uint16
	Matchers   []Matcher
	Directions []Direction // empty means both
	Handler    HandlerFunc
}

type entry struct {
	name     string
	ops      map[uint16]struct{}
	matchers []Matcher
	dirs     map[Direction]struct{}
	fn       HandlerFunc
}

func (e *entry) matches(op uint16, dir Direction) bool {
	if len(e.dirs) > 0 {
		if _, ok := e.dirs[dir]; !ok {
			return false
		}
	}
	if _, ok := e.ops[op]; ok {
		return true
	}
	for _, m := range e.matchers {
		if m(op) {
			return true
		}
	}
	return false
}

// Registry holds frame handler registrations.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler registration.
func (r *Registry) Register(reg Registration) {
	e := &entry{
		name:     reg.Name,
		ops:      make(map[uint16]struct{}, len(reg.Opcodes)),
		matchers: reg.Matchers,
		dirs:     make(map[Direction]struct{}, len(reg.Directions)),
		fn:       reg.Handler,
	}
	for _, op := range reg.Opcodes {
		e.ops[op] = struct{}{}
	}
	for _, d := range reg.Directions {
		e.dirs[d] = struct{}{}
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	log.Debug().Str("handler", reg.Name).Int("opcodes", len(reg.Opcodes)).
		Msg("frame handler registered")
}

// Dispatch invokes every handler whose registration matches the frame.
// Each invocation is fault-isolated: a panicking or erroring handler is
// logged and the remaining handlers still run.
func (r *Registry) Dispatch(f protocol.Frame, dir Direction) {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	for _, e := range entries {
		if !e.matches(f.Opcode, dir) {
			continue
		}
		r.invoke(e, f, dir)
	}
}

func (r *Registry) invoke(e *entry, f protocol.Frame, dir Direction) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("handler", e.name).
				Str("opcode", protocol.OpName(f.Opcode)).
				Interface("panic", rec).
				Msg("frame handler panicked")
		}
	}()

	if err := e.fn(f, dir); err != nil {
		log.Debug().
			Err(err).
			Str("handler", e.name).
			Str("opcode", protocol.OpName(f.Opcode)).
			Msg("frame handler failed to decode frame")
	}
}

// HandlerCount returns the number of registrations matching an opcode and
// direction; used by tests and the status API.
func (r *Registry) HandlerCount(op uint16, dir Direction) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.matches(op, dir) {
			n++
		}
	}
	return n
}

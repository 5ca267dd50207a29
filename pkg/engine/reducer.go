package engine

// Handler is a pure state transition: no I/O, no wall clock, no randomness,
// no mutation of its inputs.
type Handler func(State, Event) (State, error)

// Reducer dispatches events to handlers by event type. It is a plain value
// passed through the call graph; there is no global registry.
type Reducer struct {
	handlers map[string]Handler
}

// NewReducer returns an empty reducer.
func NewReducer() *Reducer {
	return &Reducer{handlers: map[string]Handler{}}
}

// Register installs a handler for an event type, replacing any previous one.
func (r *Reducer) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Handles reports whether a handler is registered for the type.
func (r *Reducer) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// Apply folds one event into the state.
//
// An unknown event type is a no-op that still bumps the version, so
// state.Version always equals the number of events folded. Malformed events
// fail; the reducer never attempts recovery. The version bump is normalized
// here — whatever a handler does internally, one event advances the version
// by exactly one.
func (r *Reducer) Apply(state State, ev Event) (State, error) {
	if err := ev.Validate(); err != nil {
		return State{}, err
	}
	h, ok := r.handlers[ev.Type]
	if !ok {
		return state.withVersion(state.Version + 1), nil
	}
	next, err := h(state, ev)
	if err != nil {
		return State{}, err
	}
	return next.withVersion(state.Version + 1), nil
}

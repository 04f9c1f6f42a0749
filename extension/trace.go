package extension

// EventType identifies a load-lifecycle event.
type EventType uint8

const (
	// EventLoaded fires after an extension's init entry point returned
	// successfully and its handle was registered.
	EventLoaded EventType = iota

	// EventReused fires when a load request hits an already-registered
	// handle.
	EventReused

	// EventExternalDep fires when a declared dependency is absent from
	// the index and loading proceeds assuming the platform loader can
	// find it by name.
	EventExternalDep

	// EventFailed fires when a load attempt ends in an error; no handle
	// is registered.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventReused:
		return "reused"
	case EventExternalDep:
		return "external-dep"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event describes one load-lifecycle transition. The stream of events,
// observed in order, is the loader's load-order trace: a dependency's
// EventLoaded always precedes its dependent's.
type Event struct {
	Name     string
	Type     EventType
	Strategy Strategy
}

// Observer receives load-lifecycle events.
type Observer interface {
	OnExtensionEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnExtensionEvent(e Event) { f(e) }

// Subscribe adds an observer for load-lifecycle events. The returned
// function removes it again.
func (l *Loader) Subscribe(obs Observer) (cancel func()) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	id := l.nextObsID
	l.nextObsID++
	l.observers = append(l.observers, tracedObserver{id: id, obs: obs})
	return func() {
		l.obsMu.Lock()
		defer l.obsMu.Unlock()
		for i, o := range l.observers {
			if o.id == id {
				l.observers = append(l.observers[:i], l.observers[i+1:]...)
				return
			}
		}
	}
}

type tracedObserver struct {
	id  uint64
	obs Observer
}

func (l *Loader) emit(e Event) {
	l.obsMu.RLock()
	obs := make([]tracedObserver, len(l.observers))
	copy(obs, l.observers)
	l.obsMu.RUnlock()
	for _, o := range obs {
		o.obs.OnExtensionEvent(e)
	}
}

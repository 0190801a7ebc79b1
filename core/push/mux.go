package push

import (
	"errors"
	"sync"
)

// Mux routes unicasts to the transport named by the connection id prefix
// and fans broadcasts and room pushes out to every transport.
type Mux struct {
	mu     sync.RWMutex
	routes map[string]Notifier
	order  []string
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: map[string]Notifier{}}
}

// Handle registers n for connection ids starting with "<transport>:".
func (m *Mux) Handle(transport string, n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[transport]; !ok {
		m.order = append(m.order, transport)
	}
	m.routes[transport] = n
}

// Unicast implements Notifier. Unknown transports are a delivery miss.
func (m *Mux) Unicast(connID, event string, payload any) error {
	m.mu.RLock()
	n, ok := m.routes[Transport(connID)]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return n.Unicast(connID, event, payload)
}

func (m *Mux) Broadcast(event string, payload any) error {
	var errs []error
	for _, n := range m.all() {
		errs = append(errs, n.Broadcast(event, payload))
	}
	return errors.Join(errs...)
}

func (m *Mux) Room(room, event string, payload any) error {
	var errs []error
	for _, n := range m.all() {
		errs = append(errs, n.Room(room, event, payload))
	}
	return errors.Join(errs...)
}

func (m *Mux) all() []Notifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Notifier, 0, len(m.order))
	for _, t := range m.order {
		out = append(out, m.routes[t])
	}
	return out
}

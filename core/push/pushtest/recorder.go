// Package pushtest provides an in-memory Notifier and Session for tests.
package pushtest

import (
	"encoding/json"
	"sync"

	"github.com/nexora/dispatch/core/push"
)

// Push is one recorded push. Target is the connection id for unicasts, the
// room name for room pushes and empty for broadcasts.
type Push struct {
	Kind   string
	Target string
	Event  string
	Data   json.RawMessage
}

// Decode unmarshals the payload into v.
func (p Push) Decode(v any) error { return json.Unmarshal(p.Data, v) }

// Recorder implements push.Notifier by recording every call.
type Recorder struct {
	mu     sync.Mutex
	pushes []Push
}

var _ push.Notifier = (*Recorder)(nil)

func (r *Recorder) add(kind, target, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pushes = append(r.pushes, Push{Kind: kind, Target: target, Event: event, Data: data})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Unicast(connID, event string, payload any) error {
	return r.add("unicast", connID, event, payload)
}

func (r *Recorder) Broadcast(event string, payload any) error {
	return r.add("broadcast", "", event, payload)
}

func (r *Recorder) Room(room, event string, payload any) error {
	return r.add("room", room, event, payload)
}

// All returns a copy of the recorded pushes.
func (r *Recorder) All() []Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Push(nil), r.pushes...)
}

// Event returns the pushes with the given event name.
func (r *Recorder) Event(event string) []Push {
	var out []Push
	for _, p := range r.All() {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

// Targets returns the targets of the pushes with the given event name.
func (r *Recorder) Targets(event string) []string {
	var out []string
	for _, p := range r.Event(event) {
		out = append(out, p.Target)
	}
	return out
}

// Reset forgets every recorded push.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.pushes = nil
	r.mu.Unlock()
}

// Session is a push.Session backed by plain fields. Auth, when set, is the
// user the transport authenticated.
type Session struct {
	mu    sync.Mutex
	Conn  string
	User  string
	Auth  string
	Rooms []string
}

func (s *Session) ID() string { return s.Conn }

func (s *Session) Principal() string { return s.Auth }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.User
}

func (s *Session) Bind(userID string) {
	s.mu.Lock()
	s.User = userID
	s.mu.Unlock()
}

func (s *Session) Join(room string) {
	s.mu.Lock()
	s.Rooms = append(s.Rooms, room)
	s.mu.Unlock()
}

// Joined returns a copy of the joined rooms.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Rooms...)
}

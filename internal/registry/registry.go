// Package registry holds the table of connected participants. It is the
// only state shared between connection goroutines; every read and write
// goes through its methods.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrServerFull  = errors.New("registry: participant limit reached")
	ErrDuplicateID = errors.New("registry: session id already present")
)

// ControlConn is the outbound half of a participant's control channel.
// TrySend must not block: a full queue is an error the caller reacts to.
type ControlConn interface {
	TrySend(frame []byte) error
	Close()
}

// Session is one connected participant. Snapshots returned by the registry
// are value copies; mutating a snapshot has no effect on the table.
type Session struct {
	ID   string
	Name string
	Conn ControlConn

	// MediaEndpoint is nil until the participant registers a UDP port or
	// a datagram carrying its id is observed.
	MediaEndpoint *net.UDPAddr

	MicOn         bool
	CameraOn      bool
	SharingScreen bool
}

type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int // 0 means unlimited
}

func New(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Add inserts a new session, deduplicating the display name with a _N
// suffix. It returns the name actually assigned.
func (r *Registry) Add(id, name string, conn ControlConn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return "", ErrServerFull
	}
	if _, ok := r.sessions[id]; ok {
		return "", ErrDuplicateID
	}

	assigned := name
	for n := 1; r.nameTaken(assigned); n++ {
		assigned = fmt.Sprintf("%s_%d", name, n)
	}

	r.sessions[id] = &Session{ID: id, Name: assigned, Conn: conn}
	log.Info().Str("module", "registry").Str("sid", id).Str("name", assigned).Int("sessions", len(r.sessions)).Msg("session added")
	return assigned, nil
}

func (r *Registry) nameTaken(name string) bool {
	for _, s := range r.sessions {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Remove deletes the session and returns a copy of the removed record.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "registry").Str("sid", id).Str("name", s.Name).Int("sessions", len(r.sessions)).Msg("session removed")
	return *s, true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return *s, true
	}
	return Session{}, false
}

// SetMediaEndpoint records or refreshes where media datagrams for this
// participant should be sent.
func (r *Registry) SetMediaEndpoint(id string, addr *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.MediaEndpoint = addr
	return true
}

// UpdateStatus applies the client-reported mic/camera flags. Nil means
// "leave unchanged".
func (r *Registry) UpdateStatus(id string, mic, camera *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if mic != nil {
		s.MicOn = *mic
	}
	if camera != nil {
		s.CameraOn = *camera
	}
	return true
}

// SetSharing flips the screen-share flag, driven by SCREEN_START/STOP.
func (r *Registry) SetSharing(id string, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.SharingScreen = on
	return true
}

// ListAll returns a point-in-time copy of every session.
func (r *Registry) ListAll() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// BroadcastTargets returns a snapshot of every session except excludeID.
// Iterating the snapshot never holds the lock, so a slow send to one
// target cannot block table mutation.
func (r *Registry) BroadcastTargets(excludeID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == excludeID {
			continue
		}
		out = append(out, *s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

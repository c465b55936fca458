package server

import (
	"sync"
	"time"

	"graphgo/protocol"
	"graphgo/utils"
)

type serverSession struct {
	id       []byte
	database string
	typ      protocol.SessionType
	opts     protocol.Options
	idle     time.Duration
	lastSeen time.Time
}

// sessionRegistry holds open sessions keyed by their string id.
type sessionRegistry struct {
	mu          sync.Mutex
	sessions    map[string]*serverSession
	defaultIdle time.Duration
	now         func() time.Time
}

func newSessionRegistry(idle time.Duration) *sessionRegistry {
	return &sessionRegistry{
		sessions:    make(map[string]*serverSession),
		defaultIdle: idle,
		now:         time.Now,
	}
}

func (r *sessionRegistry) open(database string, typ protocol.SessionType, opts protocol.Options) *serverSession {
	idle := r.defaultIdle
	if opts.SessionIdleTimeout > 0 {
		idle = opts.SessionIdleTimeout
	}
	sess := &serverSession{
		id:       utils.NewID(),
		database: database,
		typ:      typ,
		opts:     opts,
		idle:     idle,
		lastSeen: r.now(),
	}

	r.mu.Lock()
	r.sessions[string(sess.id)] = sess
	r.mu.Unlock()
	return sess
}

// touch marks the session as seen and returns it, or nil if it is gone.
func (r *sessionRegistry) touch(id []byte) *serverSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[string(id)]
	if !ok {
		return nil
	}
	sess.lastSeen = r.now()
	return sess
}

func (r *sessionRegistry) remove(id []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[string(id)]
	delete(r.sessions, string(id))
	return ok
}

// expireIdle drops sessions idle for longer than their timeout and returns
// how many went.
func (r *sessionRegistry) expireIdle() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, sess := range r.sessions {
		if now.Sub(sess.lastSeen) > sess.idle {
			delete(r.sessions, k)
			n++
		}
	}
	return n
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (s *Server) reapSessions() {
	interval := max(s.opts.SessionIdleTimeout/4, minReapInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.sessions.expireIdle(); n > 0 {
				s.log().Info("sessions expired", "count", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// ExpireSession drops a session as if it had idled out. The next pulse from
// its client reports it dead.
func (s *Server) ExpireSession(id []byte) bool {
	return s.sessions.remove(id)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.len() }

// PulseCount returns the number of pulses received, live session or not.
func (s *Server) PulseCount() uint64 { return s.pulses.Load() }

// Package session drives the wire protocol described by pkg/wire over one
// pkg/transport.Transport, dispatching inbound frames into a
// pkg/signal.Registry and forwarding registry broadcasts back out as
// frames. ServerDriver serves many concurrent sessions against one shared
// registry; ClientDriver drives a single connection against its own
// mirror registry.
//
// Grounded on original_source/src/axum.rs's handle_socket/handle_broadcasts
// split and go-sdk/pkg/transport/websocket/connection.go's per-connection
// goroutine lifecycle (one reader, one writer-per-subscription, all joined
// through an errgroup rather than a raw WaitGroup).
package session

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattsp1290/signalmesh/internal/telemetry"
)

// maxReseedsPerSignal bounds how many times one session will silently
// re-establish a subscription that keeps getting dropped for lagging,
// so a chronically slow client gets disconnected from that signal
// instead of looping forever.
const maxReseedsPerSignal = 5

// Session identifies one connected peer. Its ID doubles as the origin
// token stamped on every registry write that peer causes, so the
// registry's broadcast layer can suppress echoing a write back to the
// session that made it (spec.md's origin-tagged echo suppression).
type Session struct {
	ID  string
	log *zap.Logger
	m   *telemetry.Metrics

	// reseeds counts, per signal name, how many times this session has
	// had to re-establish a lagging subscription. Bounded so a single
	// chronically-slow session can't grow this map unboundedly across a
	// long connection lifetime.
	reseeds *lru.Cache[string, int]
}

// NewSession mints a session with a fresh random ID.
func NewSession(log *zap.Logger, m *telemetry.Metrics) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New().String()
	reseeds, _ := lru.New[string, int](256)
	return &Session{
		ID:      id,
		log:     log.With(zap.String("session_id", id)),
		m:       m,
		reseeds: reseeds,
	}
}

// bumpReseed increments the reseed counter for name and reports whether
// the session has exceeded maxReseedsPerSignal and should give up on
// that subscription instead of reseeding again.
func (s *Session) bumpReseed(name string) (exceeded bool) {
	n, _ := s.reseeds.Get(name)
	n++
	s.reseeds.Add(name, n)
	return n > maxReseedsPerSignal
}

// Origin returns this session's id as an origin-token pointer, suitable
// for ApplyPatch/HandleChannelMessage's origin parameter.
func (s *Session) Origin() *string {
	id := s.ID
	return &id
}

// isOwnOrigin reports whether an event's origin is this session's own
// token, meaning the write originated from this very connection and
// must not be echoed back down it.
func (s *Session) isOwnOrigin(origin *string) bool {
	return origin != nil && *origin == s.ID
}

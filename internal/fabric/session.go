package fabric

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// Conn is the framed transport under a session. *websocket.Conn from
// gorilla satisfies it; tests supply pipes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Session is one live client connection: the transport, its bounded
// outbound queue, and the writer goroutine draining it in FIFO order.
type Session struct {
	ID       string
	ClientID string

	conn      Conn
	queue     *outQueue
	lastBeat  atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(clientID string, conn Conn, queueSize int) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		ClientID: clientID,
		conn:     conn,
		queue:    newOutQueue(queueSize),
		done:     make(chan struct{}),
	}
	s.lastBeat.Store(time.Now().UTC().Unix())
	go s.writeLoop()
	return s
}

// send frames and enqueues an outbound event. errQueueFull propagates
// so the hub can apply the close-and-resync policy.
func (s *Session) send(event string, data any, droppable bool) error {
	env, err := model.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return s.queue.push(env, droppable)
}

// writeLoop delivers queued events in order until the session closes.
func (s *Session) writeLoop() {
	for {
		env, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.conn.WriteJSON(env); err != nil {
			util.Debug("session write failed",
				util.String("client_id", s.ClientID),
				util.ErrorField(err),
			)
			s.Close()
			return
		}
	}
}

// touch refreshes the heartbeat clock used by the reaper.
func (s *Session) touch(at time.Time) {
	s.lastBeat.Store(at.UTC().Unix())
}

// lastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) lastHeartbeat() time.Time {
	return time.Unix(s.lastBeat.Load(), 0).UTC()
}

// Close tears the session down exactly once. In-flight outbound
// deliveries stop immediately.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.queue.close()
		_ = s.conn.Close()
		close(s.done)
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

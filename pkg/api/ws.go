package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// streamQueue bounds the events buffered for one websocket client.
const streamQueue = 64

// WSMessage is the JSON message format for the event websocket.
type WSMessage struct {
	Type    string             `json:"type"`
	Text    string             `json:"text,omitempty"`
	Subject *jaildb.SubjectID  `json:"subject,omitempty"`
	Cell    string             `json:"cell,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Record  *confinementJSON   `json:"record,omitempty"`
	Cleared []jaildb.SubjectID `json:"cleared,omitempty"`
	At      *time.Time         `json:"at,omitempty"`
}

func eventMessage(ev events.Event) WSMessage {
	at := ev.At
	msg := WSMessage{Type: ev.Type.String(), Cell: ev.Cell, Cleared: ev.Cleared, At: &at}
	switch ev.Type {
	case events.EvConfined, events.EvReleased, events.EvExtended:
		id := ev.Subject
		msg.Subject = &id
	}
	if ev.Type == events.EvReleased {
		msg.Reason = ev.Reason.String()
	}
	if ev.Record != nil {
		rec := toConfinementJSON(*ev.Record, ev.At)
		msg.Record = &rec
	}
	return msg
}

// wsStream is an events.Subscriber that forwards to one websocket client.
// Receive never blocks and never fails: a client that falls more than
// streamQueue events behind is disconnected instead.
type wsStream struct {
	conn   *websocket.Conn
	remote string
	queue  chan WSMessage
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		queue:  make(chan WSMessage, streamQueue),
		done:   make(chan struct{}),
	}
}

func (st *wsStream) Receive(ev events.Event) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	select {
	case st.queue <- eventMessage(ev):
	default:
		log.Printf("api: WARNING: websocket client %s too slow, disconnecting", st.remote)
		st.closeLocked()
	}
	return nil
}

func (st *wsStream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

func (st *wsStream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closeLocked()
}

func (st *wsStream) closeLocked() {
	st.closed = true
	st.once.Do(func() { close(st.done) })
}

// writeLoop owns all writes to the connection.
func (st *wsStream) writeLoop() {
	defer st.conn.Close()
	for {
		select {
		case <-st.done:
			st.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-st.queue:
			st.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := st.conn.WriteJSON(msg); err != nil {
				st.close()
				return
			}
		}
	}
}

// readLoop discards client messages and notices disconnects.
func (st *wsStream) readLoop() {
	defer st.close()
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("api: websocket read error: %v", err)
			}
			return
		}
	}
}

// handleWebSocket streams registry events. With ?subject=<uuid> only that
// subject's events are sent; otherwise every event is.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var subject *jaildb.SubjectID
	if v := r.URL.Query().Get("subject"); v != "" {
		id, err := jaildb.ParseSubject(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		subject = &id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade error: %v", err)
		return
	}
	st := newWSStream(conn)
	operator := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		operator = claims.Operator
	}

	if subject != nil {
		s.bus.Subscribe(*subject, st)
	} else {
		s.bus.SubscribeGlobal(st)
	}
	// The greeting is queued after subscribing, so a client that has read it
	// sees every later event.
	select {
	case st.queue <- WSMessage{Type: "welcome", Text: "gojails " + Version}:
	default:
	}
	log.Printf("api: websocket stream opened by %q from %s", operator, r.RemoteAddr)

	go st.writeLoop()
	go func() {
		st.readLoop()
		if subject != nil {
			s.bus.Unsubscribe(*subject, st)
		} else {
			s.bus.UnsubscribeGlobal(st)
		}
		log.Printf("api: websocket stream closed from %s", r.RemoteAddr)
	}()
}

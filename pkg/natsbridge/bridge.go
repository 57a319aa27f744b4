// Package natsbridge publishes registry events to NATS so integrations on
// other hosts can follow confinements without holding a websocket open.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "gojails"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge is an events.Subscriber that publishes each event on
// <prefix>.<event type>, e.g. gojails.released. Publish failures are logged
// and counted, never returned, so the broker being down cannot undo a
// release.
type Bridge struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn // set by Connect

	failures  atomic.Int64
	published atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string) *Bridge {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return &Bridge{pub: pub, prefix: prefix}
}

// Connect dials url and returns a bridge that owns the connection. The
// client reconnects forever in the background.
func Connect(url, prefix string) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("gojails"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("natsbridge: WARNING: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("natsbridge: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect %s: %w", url, err)
	}
	b := New(nc, prefix)
	b.conn = nc
	log.Printf("natsbridge: publishing events to %s under %q", nc.ConnectedUrl(), b.prefix)
	return b, nil
}

type locationMsg struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

type recordMsg struct {
	Subject          jaildb.SubjectID `json:"subject"`
	SubjectName      string           `json:"subject_name,omitempty"`
	Cell             string           `json:"cell"`
	Return           locationMsg      `json:"return"`
	ReturnUnknown    bool             `json:"return_unknown,omitempty"`
	JailedAt         time.Time        `json:"jailed_at"`
	ReleaseAt        *time.Time       `json:"release_at"`
	OriginalDuration string           `json:"original_duration,omitempty"`
	JailedBy         string           `json:"jailed_by,omitempty"`
	Frozen           []byte           `json:"frozen,omitempty"`
}

// Message is the JSON body of a published event.
type Message struct {
	Type    string             `json:"type"`
	Subject *jaildb.SubjectID  `json:"subject,omitempty"`
	Cell    string             `json:"cell,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Record  *recordMsg         `json:"record,omitempty"`
	Cleared []jaildb.SubjectID `json:"cleared,omitempty"`
	At      time.Time          `json:"at"`
}

func message(ev events.Event) Message {
	msg := Message{Type: ev.Type.String(), Cell: ev.Cell, Cleared: ev.Cleared, At: ev.At}
	switch ev.Type {
	case events.EvConfined, events.EvReleased, events.EvExtended:
		id := ev.Subject
		msg.Subject = &id
	}
	if ev.Type == events.EvReleased {
		msg.Reason = ev.Reason.String()
	}
	if c := ev.Record; c != nil {
		r := &recordMsg{
			Subject:     c.Subject,
			SubjectName: c.SubjectName,
			Cell:        c.CellName,
			Return: locationMsg{
				World: c.Return.World, X: c.Return.X, Y: c.Return.Y, Z: c.Return.Z,
				Yaw: c.Return.Yaw, Pitch: c.Return.Pitch,
			},
			ReturnUnknown: c.ReturnUnknown,
			JailedAt:      c.JailedAt,
			ReleaseAt:     c.ReleaseAt,
			JailedBy:      c.JailedBy,
			Frozen:        c.Frozen,
		}
		if c.OriginalDuration > 0 {
			r.OriginalDuration = c.OriginalDuration.String()
		}
		msg.Record = r
	}
	return msg
}

// Subject returns the NATS subject an event of type t is published on.
func (b *Bridge) Subject(t events.EventType) string {
	return b.prefix + "." + t.String()
}

func (b *Bridge) Receive(ev events.Event) error {
	if b.Closed() {
		return nil
	}
	data, err := json.Marshal(message(ev))
	if err != nil {
		b.failures.Add(1)
		log.Printf("natsbridge: WARNING: encoding %s event: %v", ev.Type, err)
		return nil
	}
	if err := b.pub.Publish(b.Subject(ev.Type), data); err != nil {
		b.failures.Add(1)
		log.Printf("natsbridge: WARNING: publish %s: %v", b.Subject(ev.Type), err)
		return nil
	}
	b.published.Add(1)
	return nil
}

func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats returns how many events were published and how many failed.
func (b *Bridge) Stats() (published, failed int64) {
	return b.published.Load(), b.failures.Load()
}

// Close stops publishing. A connection opened by Connect is drained first.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}

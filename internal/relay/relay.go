// Package relay forwards job lifecycle events from the in-process bus to
// an external broker, so other services of the agent can react to a job
// succeeding, retrying or exhausting its attempts. Delivery is best effort:
// events published while the broker is down are logged and dropped.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

// Message is the JSON body sent to the broker.
type Message struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Publisher sends one encoded message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Message, body []byte) error
}

type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
	Filtered  uint64 `json:"filtered"`
}

type Relay struct {
	bus     eventbus.Bus
	pub     Publisher
	types   map[string]bool // empty forwards every event
	timeout time.Duration
	log     logx.Logger

	forwarded atomic.Uint64
	failed    atomic.Uint64
	filtered  atomic.Uint64
}

const defaultPublishTimeout = 5 * time.Second

// New forwards the listed event types, or all of them when types is empty.
func New(bus eventbus.Bus, pub Publisher, types []string, log logx.Logger) *Relay {
	r := &Relay{bus: bus, pub: pub, types: map[string]bool{}, timeout: defaultPublishTimeout, log: log}
	for _, t := range types {
		if t != "" {
			r.types[t] = true
		}
	}
	return r
}

func (r *Relay) Stats() Stats {
	return Stats{
		Forwarded: r.forwarded.Load(),
		Failed:    r.failed.Load(),
		Filtered:  r.filtered.Load(),
	}
}

// Run consumes the bus until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.forward(ctx, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e eventbus.Event) {
	if len(r.types) > 0 && !r.types[e.Type] {
		r.filtered.Add(1)
		return
	}
	msg := Message{ID: uuid.NewString(), Type: e.Type, Time: e.Time.UTC(), Data: e.Data}
	body, err := json.Marshal(msg)
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("relay encode failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.pub.Publish(pctx, e.Type, msg, body); err != nil {
		r.failed.Add(1)
		r.log.Warn("relay publish failed", logx.String("type", e.Type), logx.String("msg_id", msg.ID), logx.Err(err))
		return
	}
	r.forwarded.Add(1)
	r.log.Debug("event relayed", logx.String("type", e.Type), logx.String("msg_id", msg.ID))
}

// errNoBroker is returned while a reconnect is backing off.
type errNoBroker struct {
	until time.Time
	err   error
}

func (e *errNoBroker) Error() string {
	return fmt.Sprintf("broker unavailable until %s: %v", e.until.Format(time.RFC3339), e.err)
}
func (e *errNoBroker) Unwrap() error { return e.err }

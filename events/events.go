package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type Kind string

const (
	KindUserSuspended     = Kind("user_suspended")
	KindUserUnsuspended   = Kind("user_unsuspended")
	KindUserSilenced      = Kind("user_silenced")
	KindUserUnsilenced    = Kind("user_unsilenced")
	KindUserLoggedOut     = Kind("user_logged_out")
	KindClientRefresh     = Kind("client_refresh")
	KindUserDestroyed     = Kind("user_destroyed")
	KindUserMerged        = Kind("user_merged")
	KindUserAnonymized    = Kind("user_anonymized")
	KindUserApproved      = Kind("user_approved")
	KindUserActivated     = Kind("user_activated")
	KindUserDeactivated   = Kind("user_deactivated")
	KindRolesChanged      = Kind("user_roles_changed")
	KindGroupsChanged     = Kind("user_groups_changed")
	KindTrustLevelChanged = Kind("user_trust_level_changed")
)

// Event is a domain event about one account. Data holds the action-specific
// context (reason, timestamps, post references, and so on).
type Event struct {
	Kind      Kind           `json:"kind"`
	AccountID uint64         `json:"account_id"`
	ActorID   uint64         `json:"actor_id,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher broadcasts events to other subsystems. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

var ErrShutdown = errors.New("event manager shut down")

// EventManager fans events out to in-process subscribers.
type EventManager struct {
	subs []*Subscriber

	ops        chan *Operation
	closed     chan struct{}
	bufferSize int

	logger *slog.Logger
}

func NewEventManager() *EventManager {
	return &EventManager{
		ops:        make(chan *Operation),
		closed:     make(chan struct{}),
		bufferSize: 1024,
		logger:     slog.Default().With("system", "events"),
	}
}

const (
	opSubscribe = iota
	opUnsubscribe
	opSend
)

type Operation struct {
	op  int
	sub *Subscriber
	evt *Event
}

type Subscriber struct {
	outgoing chan *Event

	filter func(*Event) bool
}

func (em *EventManager) Run() {
	for {
		select {
		case <-em.closed:
			return
		case op := <-em.ops:
			switch op.op {
			case opSubscribe:
				em.subs = append(em.subs, op.sub)
			case opUnsubscribe:
				for i, s := range em.subs {
					if s == op.sub {
						em.subs[i] = em.subs[len(em.subs)-1]
						em.subs = em.subs[:len(em.subs)-1]
						break
					}
				}
			case opSend:
				for _, s := range em.subs {
					if s.filter(op.evt) {
						select {
						case s.outgoing <- op.evt:
						default:
							em.logger.Warn("event overflow", "kind", op.evt.Kind, "account", op.evt.AccountID)
							eventsDropped.WithLabelValues(string(op.evt.Kind)).Inc()
						}
					}
				}
			default:
				em.logger.Error("unrecognized eventmgr operation", "op", op.op)
			}
		}
	}
}

// Shutdown stops the Run loop. Further calls to Publish or Subscribe fail.
func (em *EventManager) Shutdown() {
	close(em.closed)
}

func (em *EventManager) send(ctx context.Context, op *Operation) error {
	select {
	case em.ops <- op:
		return nil
	case <-em.closed:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (em *EventManager) Publish(ctx context.Context, evt *Event) error {
	if err := em.send(ctx, &Operation{op: opSend, evt: evt}); err != nil {
		return err
	}
	eventsPublished.WithLabelValues(string(evt.Kind), "local").Inc()
	return nil
}

// Subscribe registers a subscriber; it is active once Subscribe returns. A nil
// filter matches every event. The returned func unsubscribes.
func (em *EventManager) Subscribe(ctx context.Context, filter func(*Event) bool) (<-chan *Event, func(), error) {
	if filter == nil {
		filter = func(*Event) bool { return true }
	}

	sub := &Subscriber{
		outgoing: make(chan *Event, em.bufferSize),
		filter:   filter,
	}
	if err := em.send(ctx, &Operation{op: opSubscribe, sub: sub}); err != nil {
		return nil, nil, fmt.Errorf("subscribing: %w", err)
	}

	cleanup := func() {
		_ = em.send(context.Background(), &Operation{op: opUnsubscribe, sub: sub})
	}

	return sub.outgoing, cleanup, nil
}

// ForAccount returns a filter matching events about a single account.
func ForAccount(accountID uint64) func(*Event) bool {
	return func(evt *Event) bool {
		return evt.AccountID == accountID
	}
}

// MultiPublisher publishes every event to each of its publishers, in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, evt *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

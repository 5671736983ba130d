package events

import (
	"errors"
	"fmt"
	"log/slog"

	evbus "github.com/asaskevich/EventBus"
)

// Handler receives published events.
type Handler func(Event)

var errNilHandler = errors.New("nil event handler")

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus is a publish/subscribe channel keyed by event kind. Delivery to
// asynchronous subscribers is fire-and-forget; synchronous subscribers run on
// the publishing goroutine.
type Bus struct {
	bus evbus.Bus
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish delivers ev to every subscriber of its kind.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.bus.Publish(ev.Kind().String(), ev)
}

// Subscribe registers fn for the given kinds, or for every kind when none are
// named. fn runs synchronously inside Publish.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) (*Subscription, error) {
	return b.subscribe(fn, kinds, func(topic string) error {
		return b.bus.Subscribe(topic, fn)
	})
}

// SubscribeAsync registers fn for the given kinds, or for every kind when none
// are named. Each delivery runs on its own goroutine; use WaitAsync to drain.
func (b *Bus) SubscribeAsync(fn Handler, kinds ...Kind) (*Subscription, error) {
	return b.subscribe(fn, kinds, func(topic string) error {
		return b.bus.SubscribeAsync(topic, fn, false)
	})
}

// SubscribeOnce registers fn for the next event of kind and then drops it.
func (b *Bus) SubscribeOnce(kind Kind, fn Handler) error {
	if fn == nil {
		return errNilHandler
	}
	if err := b.bus.SubscribeOnce(kind.String(), fn); err != nil {
		return fmt.Errorf("subscribe once to %s: %w", kind, err)
	}
	return nil
}

// SubscribeOnceAsync is SubscribeOnce with asynchronous delivery.
func (b *Bus) SubscribeOnceAsync(kind Kind, fn Handler) error {
	if fn == nil {
		return errNilHandler
	}
	if err := b.bus.SubscribeOnceAsync(kind.String(), fn); err != nil {
		return fmt.Errorf("subscribe once async to %s: %w", kind, err)
	}
	return nil
}

// HasSubscribers reports whether any handler listens for kind.
func (b *Bus) HasSubscribers(kind Kind) bool {
	return b.bus.HasCallback(kind.String())
}

// WaitAsync blocks until all in-flight asynchronous deliveries return.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

func (b *Bus) subscribe(fn Handler, kinds []Kind, register func(topic string) error) (*Subscription, error) {
	if fn == nil {
		return nil, errNilHandler
	}
	if len(kinds) == 0 {
		kinds = AllKinds
	}

	sub := &Subscription{bus: b, fn: fn}
	for _, kind := range kinds {
		if err := register(kind.String()); err != nil {
			sub.Cancel()
			return nil, fmt.Errorf("subscribe to %s: %w", kind, err)
		}
		sub.kinds = append(sub.kinds, kind)
	}
	return sub, nil
}

// Subscription is a handle to a registered Handler.
//
// Handlers are identified by function value, so registering the same func
// twice and cancelling one subscription removes only one registration.
type Subscription struct {
	bus   *Bus
	fn    Handler
	kinds []Kind
}

// Kinds returns the kinds this subscription listens for.
func (s *Subscription) Kinds() []Kind {
	return append([]Kind(nil), s.kinds...)
}

// Cancel unregisters the handler. It is safe to call more than once.
func (s *Subscription) Cancel() {
	for _, kind := range s.kinds {
		if err := s.bus.bus.Unsubscribe(kind.String(), s.fn); err != nil {
			slog.Debug("Unsubscribe event handler", "kind", kind, "err", err)
		}
	}
	s.kinds = nil
}

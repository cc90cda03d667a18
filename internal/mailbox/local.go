// Package mailbox is an in-process messaging runtime. Every registered
// address owns one inbox drained by a single goroutine, so everything
// delivered to an address (messages and closures queued with Do) runs
// serialized. Messages are copied through the wire codec on every hop.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/mprepair/internal/correlation"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/loggingutil"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/pslog"
)

var (
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("mailbox: closed")
	// ErrUnknownDestination rejects a send naming an unregistered address.
	ErrUnknownDestination = errors.New("mailbox: unknown destination")
	// ErrDuplicateAddress rejects a second registration for an address.
	ErrDuplicateAddress = errors.New("mailbox: address already registered")
)

// Handler consumes messages delivered to one address.
type Handler interface {
	Handle(ctx context.Context, msg messaging.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg messaging.Message)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg messaging.Message) { f(ctx, msg) }

// Delivery describes one message queued for an address.
type Delivery struct {
	ID      xid.ID
	To      hsid.HSID
	Message messaging.Message
}

// Config configures a Local bus.
type Config struct {
	Logger pslog.Logger
	// Observe, when set, is called for every queued delivery from the
	// sending goroutine.
	Observe func(Delivery)
}

// Local is an in-process bus.
type Local struct {
	logger  pslog.Logger
	observe func(Delivery)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	inboxes map[hsid.HSID]*inbox
	pending int
	idle    chan struct{}
	counts  map[messaging.Kind]int
}

type item struct {
	id   xid.ID
	cid  string
	kind messaging.Kind
	run  func(ctx context.Context)
}

type inbox struct {
	id      hsid.HSID
	handler Handler
	mu      sync.Mutex
	queue   []item
	wake    chan struct{}
}

// New constructs an empty bus.
func New(cfg Config) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Local{
		logger:  loggingutil.WithSubsystem(cfg.Logger, "mailbox.local"),
		observe: cfg.Observe,
		ctx:     ctx,
		cancel:  cancel,
		inboxes: make(map[hsid.HSID]*inbox),
		idle:    idle,
		counts:  make(map[messaging.Kind]int),
	}
}

// Register attaches handler to id and starts its inbox.
func (l *Local) Register(id hsid.HSID, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("mailbox: nil handler for %s", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.inboxes[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, id)
	}
	in := &inbox{id: id, handler: handler, wake: make(chan struct{}, 1)}
	l.inboxes[id] = in
	l.wg.Add(1)
	go l.run(in)
	l.logger.Debug("mailbox.register", "hsid", id.String())
	return nil
}

// Send copies msg into the inbox of every destination. Nothing is queued
// unless every destination is registered and the bus is open; the copies are
// queued together under the bus lock.
func (l *Local) Send(ctx context.Context, destinations []hsid.HSID, msg messaging.Message) error {
	if msg == nil {
		return errors.New("mailbox: nil message")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*inbox, 0, len(destinations))
	var missing []hsid.HSID
	for _, dest := range destinations {
		in, ok := l.inboxes[dest]
		if !ok {
			missing = append(missing, dest)
			continue
		}
		targets = append(targets, in)
	}
	l.mu.Unlock()
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, hsid.Join(missing))
	}
	cid := correlation.ID(ctx)
	copies := make([]messaging.Message, len(targets))
	for i := range targets {
		clone, err := messaging.Clone(msg)
		if err != nil {
			return fmt.Errorf("mailbox: copy %s: %w", msg.Kind(), err)
		}
		copies[i] = clone
	}
	deliveries := make([]Delivery, len(targets))
	items := make([]item, len(targets))
	for i, in := range targets {
		delivered := copies[i]
		handler := in.handler
		deliveries[i] = Delivery{ID: xid.New(), To: in.id, Message: delivered}
		items[i] = item{id: deliveries[i].ID, cid: cid, kind: msg.Kind(), run: func(ctx context.Context) {
			handler.Handle(ctx, delivered)
		}}
	}
	if err := l.enqueueAll(targets, items); err != nil {
		return err
	}
	for _, d := range deliveries {
		l.logger.Trace("mailbox.send", "delivery_id", d.ID.String(), "to", d.To.String(), "kind", msg.Kind())
		if l.observe != nil {
			l.observe(d)
		}
	}
	return nil
}

// RepairReplicasWith broadcasts a repair action to every destination.
func (l *Local) RepairReplicasWith(ctx context.Context, destinations []hsid.HSID, msg *messaging.CompleteTransaction) error {
	if msg == nil {
		return errors.New("mailbox: nil repair message")
	}
	return l.Send(ctx, destinations, msg)
}

// Do runs fn on id's inbox goroutine, serialized with its deliveries, and
// waits for it to return. Calling Do for an address from that address's
// own handler deadlocks.
func (l *Local) Do(ctx context.Context, id hsid.HSID, fn func(ctx context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	in, ok := l.inboxes[id]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	done := make(chan struct{})
	if err := l.enqueue(in, item{id: xid.New(), cid: correlation.ID(ctx), run: func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Drain waits until every inbox is empty and idle.
func (l *Local) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		idle := l.idle
		l.mu.Unlock()
		select {
		case <-idle:
			l.mu.Lock()
			quiet := l.pending == 0
			l.mu.Unlock()
			if quiet {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return ErrClosed
		}
	}
}

// Counts returns how many messages of each kind were queued.
func (l *Local) Counts() map[messaging.Kind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[messaging.Kind]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Close stops every inbox. Queued items that have not run are dropped.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
	l.logger.Debug("mailbox.closed")
	return nil
}

func (l *Local) enqueue(in *inbox, it item) error {
	return l.enqueueAll([]*inbox{in}, []item{it})
}

// enqueueAll queues items[i] on targets[i]. Either every item is queued or,
// once the bus is closed, none is.
func (l *Local) enqueueAll(targets []*inbox, items []item) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.pending == 0 && len(items) > 0 {
		l.idle = make(chan struct{})
	}
	l.pending += len(items)
	for i, in := range targets {
		in.mu.Lock()
		in.queue = append(in.queue, items[i])
		in.mu.Unlock()
		if it := items[i]; it.kind != "" {
			l.counts[it.kind]++
		}
	}
	l.mu.Unlock()

	for _, in := range targets {
		select {
		case in.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Local) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.pending == 0 {
		close(l.idle)
	}
}

func (in *inbox) pop() (item, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return item{}, false
	}
	it := in.queue[0]
	in.queue[0] = item{}
	in.queue = in.queue[1:]
	return it, true
}

func (l *Local) run(in *inbox) {
	defer l.wg.Done()
	logger := l.logger.With("hsid", in.id.String())
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-in.wake:
		}
		for {
			if l.ctx.Err() != nil {
				return
			}
			it, ok := in.pop()
			if !ok {
				break
			}
			ctx := l.ctx
			if it.cid != "" {
				ctx = correlation.Set(ctx, it.cid)
			}
			logger.Trace("mailbox.deliver", "delivery_id", it.id.String())
			it.run(ctx)
			l.finish()
		}
	}
}

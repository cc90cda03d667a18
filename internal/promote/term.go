// Package promote reconciles in-flight transactions when a multi-partition
// initiator takes office. A Term asks every survivor for its repair log,
// merges the reports into one entry per transaction, then broadcasts a
// repair action for each entry so all survivors converge on one outcome.
//
// A Term is not internally synchronized. Start, Deliver and Cancel must be
// serialized by the caller, typically by running them on the leader's
// mailbox actor. The Result returned by Start may be observed and cancelled
// from any goroutine.
package promote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/mprepair/internal/clock"
	"pkt.systems/mprepair/internal/correlation"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/loggingutil"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
	"pkt.systems/pslog"
)

// Mailbox is the messaging capability a Term needs.
type Mailbox interface {
	// Send delivers msg to every destination.
	Send(ctx context.Context, destinations []hsid.HSID, msg messaging.Message) error
	// RepairReplicasWith broadcasts a repair action to every destination.
	RepairReplicasWith(ctx context.Context, destinations []hsid.HSID, msg *messaging.CompleteTransaction) error
}

// Config configures a Term.
type Config struct {
	// Self is the promoting initiator's address.
	Self hsid.HSID
	// Survivors is the fixed set of replicas to reconcile.
	Survivors []hsid.HSID
	Mailbox   Mailbox
	Logger    pslog.Logger
	// Clock seeds the request id. Defaults to clock.Real.
	Clock clock.Clock
}

// State is the protocol state of a Term.
type State string

const (
	StateCreated            State = "created"
	StateAwaitingRepairLogs State = "awaiting_repair_logs"
	StateRepairsDispatched  State = "repairs_dispatched"
	StateDone               State = "done"
	StateCancelled          State = "cancelled"
	StateFailed             State = "failed"
)

// Response labels recorded per delivered message.
const (
	responseAccepted      = "accepted"
	responseStale         = "stale"
	responseUnknownSource = "unknown_source"
	responseEarly         = "early"
	responseLate          = "late"
)

var lastRequestID atomic.Uint64

// nextRequestID derives a request id from now, forced strictly increasing
// within the process.
func nextRequestID(now time.Time) uint64 {
	candidate := uint64(now.UnixNano())
	for {
		prev := lastRequestID.Load()
		next := candidate
		if next <= prev {
			next = prev + 1
		}
		if lastRequestID.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Term is one promotion attempt.
type Term struct {
	self      hsid.HSID
	survivors []hsid.HSID
	mailbox   Mailbox
	logger    pslog.Logger
	clock     clock.Clock
	metrics   *promoteMetrics
	tracer    trace.Tracer

	requestID  uint64
	state      State
	scoreboard scoreboard
	union      *repairLogUnion
	maxSeen    txnid.TxnID
	result     *Result
	startedAt  time.Time
}

// NewTerm constructs a Term and assigns its request id. Survivor validation
// happens in Start and surfaces through the Result.
func NewTerm(cfg Config) (*Term, error) {
	if cfg.Mailbox == nil {
		return nil, ErrMailboxRequired
	}
	clk := clock.Ensure(cfg.Clock)
	requestID := nextRequestID(clk.Now())
	logger := loggingutil.WithSubsystem(cfg.Logger, "promote.term").With(
		"request_id", requestID,
		"leader", cfg.Self.String(),
	)
	survivors := make([]hsid.HSID, len(cfg.Survivors))
	copy(survivors, cfg.Survivors)
	return &Term{
		self:      cfg.Self,
		survivors: survivors,
		mailbox:   cfg.Mailbox,
		logger:    logger,
		clock:     clk,
		metrics:   newPromoteMetrics(logger),
		tracer:    otel.Tracer("pkt.systems/mprepair/promote"),
		requestID: requestID,
		state:     StateCreated,
		union:     newRepairLogUnion(),
		maxSeen:   txnid.Zero,
		result:    newResult(),
	}, nil
}

// RequestID returns the id carried by this attempt's request.
func (t *Term) RequestID() uint64 { return t.requestID }

// State returns the protocol state.
func (t *Term) State() State { return t.state }

// Result returns the handle Start returns.
func (t *Term) Result() *Result { return t.result }

// MaxSeenTxnID returns the highest known transaction id delivered so far.
func (t *Term) MaxSeenTxnID() txnid.TxnID { return t.maxSeen }

// UnionSize returns the number of distinct transactions merged so far.
func (t *Term) UnionSize() int { return t.union.len() }

// Survivors returns a copy of the survivor set.
func (t *Term) Survivors() []hsid.HSID {
	out := make([]hsid.HSID, len(t.survivors))
	copy(out, t.survivors)
	return out
}

// RepairLogsComplete reports whether every survivor's log has arrived.
func (t *Term) RepairLogsComplete() bool {
	return t.scoreboard != nil && t.scoreboard.allComplete()
}

// Start broadcasts the repair-log request and returns immediately. Setup
// failures resolve the Result as failed. Calling Start again returns the
// same Result.
func (t *Term) Start(ctx context.Context) *Result {
	if t.state != StateCreated {
		return t.result
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cid := correlation.ID(ctx); cid != "" {
		t.logger = t.logger.With("cid", cid)
	}
	ctx, span := t.tracer.Start(ctx, "mprepair.promote.start", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("mprepair.promote.request_id", int64(t.requestID)),
		attribute.String("mprepair.promote.leader", t.self.String()),
		attribute.Int("mprepair.promote.survivors", len(t.survivors)),
	)
	t.startedAt = t.clock.Now()
	if err := t.setup(ctx); err != nil {
		t.state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup_failed")
		t.logger.Error("promote.setup.failed", "error", err)
		t.result.fail(&SetupError{RequestID: t.requestID, Err: err})
		t.metrics.recordOutcome(ctx, ResultFailed, t.elapsed())
		return t.result
	}
	span.SetStatus(codes.Ok, "")
	return t.result
}

func (t *Term) setup(ctx context.Context) error {
	if len(t.survivors) == 0 {
		return ErrNoSurvivors
	}
	sb := newScoreboard(t.survivors)
	if len(sb) != len(t.survivors) {
		return fmt.Errorf("%w: %s", ErrDuplicateSurvivor, hsid.Join(t.survivors))
	}
	t.scoreboard = sb
	t.logger.Info("promote.start.survivors", "survivors", hsid.Join(t.survivors), "count", len(t.survivors))
	t.state = StateAwaitingRepairLogs
	req := &messaging.RepairLogRequest{
		RequestID: t.requestID,
		Type:      messaging.RequestMPI,
		Source:    t.self,
	}
	if err := t.mailbox.Send(ctx, t.survivors, req); err != nil {
		return fmt.Errorf("send repair log request: %w", err)
	}
	return nil
}

// Deliver feeds one inbound message to the Term. Anything other than a
// repair-log response for the current request from a known survivor is
// logged and dropped without mutating state.
func (t *Term) Deliver(ctx context.Context, msg messaging.Message) {
	resp, ok := msg.(*messaging.RepairLogResponse)
	if !ok || resp == nil {
		if msg != nil {
			t.logger.Debug("promote.deliver.ignored", "kind", msg.Kind())
		}
		return
	}
	if resp.RequestID != t.requestID {
		t.logger.Info("promote.deliver.stale",
			"source", resp.Source.String(),
			"response_request_id", resp.RequestID,
		)
		t.metrics.recordResponse(ctx, responseStale)
		return
	}
	if t.state == StateAwaitingRepairLogs && t.result.IsCancelled() {
		t.state = StateCancelled
	}
	if t.state != StateAwaitingRepairLogs {
		label := responseLate
		if t.state == StateCreated {
			label = responseEarly
		}
		t.logger.Debug("promote.deliver."+label, "source", resp.Source.String(), "state", t.state)
		t.metrics.recordResponse(ctx, label)
		return
	}
	rr, ok := t.scoreboard[resp.Source]
	if !ok {
		t.logger.Warn("promote.deliver.unknown_source", "source", resp.Source.String())
		t.metrics.recordResponse(ctx, responseUnknownSource)
		return
	}
	t.metrics.recordResponse(ctx, responseAccepted)

	if !resp.TxnID.IsUnknown() {
		t.maxSeen = txnid.Max(t.maxSeen, resp.TxnID)
	}
	action := t.union.offer(resp)
	t.metrics.recordUnion(ctx, action)
	complete := rr.update(resp)
	t.logger.Debug("promote.deliver.collecting",
		"source", resp.Source.String(),
		"sequence_index", resp.SequenceIndex,
		"sequence_total", resp.SequenceTotal,
		"txn_id", resp.TxnID.String(),
		"union", string(action),
		"received", rr.received,
		"expected", rr.expected,
	)
	if !complete || !t.scoreboard.allComplete() {
		return
	}
	t.logger.Info("promote.deliver.collected", "entries", t.union.len(), "max_txn_id", t.maxSeen.String())
	t.repairSurvivors(ctx)
}

// repairSurvivors broadcasts one repair action per union entry in ascending
// transaction id order, then resolves the Result. Nothing is sent when the
// Result was cancelled.
func (t *Term) repairSurvivors(ctx context.Context) {
	if !t.result.claim() {
		t.state = StateCancelled
		t.logger.Info("promote.repair.skip_cancelled", "entries", t.union.len())
		return
	}
	t.state = StateRepairsDispatched
	ctx, span := t.tracer.Start(ctx, "mprepair.promote.repair", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("mprepair.promote.request_id", int64(t.requestID)),
		attribute.Int("mprepair.promote.entries", t.union.len()),
	)
	t.logger.Info("promote.repair.dispatch", "entries", t.union.len(), "survivors", hsid.Join(t.survivors))

	var failures []RepairFailure
	t.union.ascend(func(resp *messaging.RepairLogResponse) bool {
		msg, kind, ok := repairMessageFor(resp)
		if !ok {
			return true
		}
		result := "ok"
		if err := t.mailbox.RepairReplicasWith(ctx, t.survivors, msg); err != nil {
			result = "error"
			failures = append(failures, RepairFailure{TxnID: msg.TxnID, Err: err})
			t.logger.Warn("promote.repair.failed", "txn_id", msg.TxnID.String(), "kind", string(kind), "error", err)
		}
		t.metrics.recordRepair(ctx, kind, result)
		t.logger.Debug("promote.repair.entry",
			"txn_id", msg.TxnID.String(),
			"kind", string(kind),
			"outcome", msg.Outcome(),
			"result", result,
		)
		return true
	})

	if len(failures) > 0 {
		err := &RepairError{RequestID: t.requestID, Failures: failures}
		t.state = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "repair_failed")
		t.logger.Error("promote.repair.incomplete", "failed", len(failures), "error", err)
		t.result.fail(err)
		t.metrics.recordOutcome(ctx, ResultFailed, t.elapsed())
		return
	}
	t.state = StateDone
	span.SetStatus(codes.Ok, "")
	t.result.complete(t.maxSeen)
	t.logger.Info("promote.complete", "max_txn_id", t.maxSeen.String(), "elapsed", t.elapsed())
	t.metrics.recordOutcome(ctx, ResultCompleted, t.elapsed())
}

// Cancel cancels the Result. It reports false when the Result already
// resolved or repair dispatch has begun.
func (t *Term) Cancel() bool {
	if !t.result.Cancel() {
		return false
	}
	if t.state == StateCreated || t.state == StateAwaitingRepairLogs {
		t.state = StateCancelled
	}
	var pending []hsid.HSID
	if t.scoreboard != nil {
		pending = t.scoreboard.pending()
	}
	t.logger.Info("promote.cancelled", "pending", hsid.Join(pending))
	t.metrics.recordOutcome(context.Background(), ResultCancelled, t.elapsed())
	return true
}

func (t *Term) elapsed() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	return t.clock.Now().Sub(t.startedAt)
}

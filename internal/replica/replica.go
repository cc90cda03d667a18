// Package replica simulates a surviving replica: it answers repair-log
// requests with its in-flight log and applies repair actions idempotently.
package replica

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/loggingutil"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
	"pkt.systems/pslog"
)

// Sender delivers the replica's responses.
type Sender interface {
	Send(ctx context.Context, destinations []hsid.HSID, msg messaging.Message) error
}

// Config configures a Replica.
type Config struct {
	ID  hsid.HSID
	Bus Sender
	// Log is the in-flight repair log reported to a promoting initiator.
	Log []messaging.Payload
	// Shuffle randomizes the order responses are sent in.
	Shuffle bool
	// SkipAck omits the leading bare acknowledgement.
	SkipAck bool
	// Silent drops repair-log requests without answering.
	Silent bool
	Rand   *rand.Rand
	Logger pslog.Logger
}

// Replica is a simulated survivor. Its methods are safe for concurrent use.
type Replica struct {
	id      hsid.HSID
	bus     Sender
	log     []messaging.Payload
	shuffle bool
	skipAck bool
	silent  bool
	logger  pslog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	outcomes   map[txnid.TxnID]string
	repaired   map[txnid.TxnID]string
	duplicates int
	conflicts  int
	requests   int
	sendErrs   []error
}

// New constructs a Replica. Complete-transaction records already in its log
// count as decided locally.
func New(cfg Config) (*Replica, error) {
	if cfg.Bus == nil {
		return nil, errors.New("replica: bus required")
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(cfg.ID)))
	}
	r := &Replica{
		id:       cfg.ID,
		bus:      cfg.Bus,
		log:      append([]messaging.Payload(nil), cfg.Log...),
		shuffle:  cfg.Shuffle,
		skipAck:  cfg.SkipAck,
		silent:   cfg.Silent,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "replica").With("hsid", cfg.ID.String()),
		rng:      rng,
		outcomes: make(map[txnid.TxnID]string),
		repaired: make(map[txnid.TxnID]string),
	}
	for _, p := range r.log {
		if done, ok := p.(*messaging.CompleteTransaction); ok {
			r.outcomes[done.TxnID] = done.Outcome()
		}
	}
	return r, nil
}

// ID returns the replica's address.
func (r *Replica) ID() hsid.HSID { return r.id }

// Handle implements mailbox.Handler.
func (r *Replica) Handle(ctx context.Context, msg messaging.Message) {
	switch m := msg.(type) {
	case *messaging.RepairLogRequest:
		r.answer(ctx, m)
	case *messaging.CompleteTransaction:
		r.apply(m)
	default:
		r.logger.Debug("replica.message.ignored", "kind", msg.Kind())
	}
}

// Responses builds the replies to req in send order.
func (r *Replica) Responses(req *messaging.RepairLogRequest) []*messaging.RepairLogResponse {
	total := uint32(len(r.log))
	out := make([]*messaging.RepairLogResponse, 0, len(r.log)+1)
	if !r.skipAck {
		out = append(out, &messaging.RepairLogResponse{
			RequestID:     req.RequestID,
			Source:        r.id,
			SequenceIndex: 0,
			SequenceTotal: total,
			TxnID:         txnid.Unknown,
		})
	}
	for i, p := range r.log {
		out = append(out, &messaging.RepairLogResponse{
			RequestID:     req.RequestID,
			Source:        r.id,
			SequenceIndex: uint32(i + 1),
			SequenceTotal: total,
			TxnID:         p.PayloadTxnID(),
			Payload:       p,
		})
	}
	if r.shuffle {
		r.mu.Lock()
		r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		r.mu.Unlock()
	}
	return out
}

func (r *Replica) answer(ctx context.Context, req *messaging.RepairLogRequest) {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
	if r.silent {
		r.logger.Debug("replica.repair_log.silent", "request_id", req.RequestID)
		return
	}
	responses := r.Responses(req)
	r.logger.Debug("replica.repair_log.answer",
		"request_id", req.RequestID,
		"kind", string(req.Type),
		"to", req.Source.String(),
		"entries", len(r.log),
		"responses", len(responses),
	)
	for _, resp := range responses {
		if err := r.bus.Send(ctx, []hsid.HSID{req.Source}, resp); err != nil {
			r.logger.Warn("replica.repair_log.send_failed", "request_id", req.RequestID, "error", err)
			r.mu.Lock()
			r.sendErrs = append(r.sendErrs, err)
			r.mu.Unlock()
			return
		}
	}
}

// apply records the repair outcome; re-applying a decided transaction is a
// no-op counted as a duplicate.
func (r *Replica) apply(msg *messaging.CompleteTransaction) {
	outcome := msg.Outcome()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repaired[msg.TxnID] = outcome
	prior, decided := r.outcomes[msg.TxnID]
	if !decided {
		r.outcomes[msg.TxnID] = outcome
		r.logger.Debug("replica.repair.applied",
			"txn_id", msg.TxnID.String(),
			"outcome", outcome,
			"rollback_for_fault", msg.RollbackForFault,
		)
		return
	}
	r.duplicates++
	if prior != outcome {
		r.conflicts++
		r.logger.Warn("replica.repair.conflict", "txn_id", msg.TxnID.String(), "decided", prior, "repair", outcome)
		return
	}
	r.logger.Debug("replica.repair.duplicate", "txn_id", msg.TxnID.String(), "outcome", outcome)
}

// Outcome returns the decided outcome for id.
func (r *Replica) Outcome(id txnid.TxnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outcomes[id]
	return out, ok
}

// Outcomes returns a copy of every decided outcome.
func (r *Replica) Outcomes() map[txnid.TxnID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[txnid.TxnID]string, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}

// Repaired returns the outcome of every repair action received.
func (r *Replica) Repaired() map[txnid.TxnID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[txnid.TxnID]string, len(r.repaired))
	for k, v := range r.repaired {
		out[k] = v
	}
	return out
}

// Stats summarizes what the replica has seen.
type Stats struct {
	Requests   int `json:"requests"`
	Duplicates int `json:"duplicates"`
	Conflicts  int `json:"conflicts"`
	SendErrors int `json:"send_errors"`
}

// Stats returns the replica's counters.
func (r *Replica) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Requests:   r.requests,
		Duplicates: r.duplicates,
		Conflicts:  r.conflicts,
		SendErrors: len(r.sendErrs),
	}
}

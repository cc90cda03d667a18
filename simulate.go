package mprepair

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"pkt.systems/mprepair/internal/correlation"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/loggingutil"
	"pkt.systems/mprepair/internal/mailbox"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/promote"
	"pkt.systems/mprepair/internal/replica"
	"pkt.systems/mprepair/internal/scenario"
	"pkt.systems/mprepair/internal/txnid"
	"pkt.systems/pslog"
)

// RepairRecord is one repair action the leader broadcast.
type RepairRecord struct {
	TxnID            txnid.TxnID `json:"txn_id"`
	OriginalTxnID    txnid.TxnID `json:"original_txn_id"`
	Outcome          string      `json:"outcome"`
	RollbackForFault bool        `json:"rollback_for_fault"`
	Destinations     int         `json:"destinations"`
}

// ReplicaReport is one survivor's state after the run.
type ReplicaReport struct {
	HSID     hsid.HSID              `json:"hsid"`
	Outcomes map[txnid.TxnID]string `json:"outcomes"`
	Stats    replica.Stats          `json:"stats"`
}

// Report summarizes a simulated promotion.
type Report struct {
	Name          string                 `json:"name,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Leader        hsid.HSID              `json:"leader"`
	Survivors     []hsid.HSID            `json:"survivors"`
	RequestID     uint64                 `json:"request_id"`
	State         promote.State          `json:"state"`
	Result        promote.ResultState    `json:"result"`
	Error         string                 `json:"error,omitempty"`
	MaxTxnID      txnid.TxnID            `json:"max_txn_id"`
	Repairs       []RepairRecord         `json:"repairs"`
	Replicas      []ReplicaReport        `json:"replicas"`
	Messages      map[messaging.Kind]int `json:"messages"`
	Converged     bool                   `json:"converged"`
	Divergent     []txnid.TxnID          `json:"divergent,omitempty"`
	Expectations  []string               `json:"expectation_failures,omitempty"`
	Elapsed       time.Duration          `json:"elapsed_ns"`
}

// OK reports whether the promotion completed, every survivor agrees on
// every repaired transaction and all expectations held.
func (r *Report) OK() bool {
	return r != nil && r.Result == promote.ResultCompleted && r.Converged && len(r.Expectations) == 0
}

// RunSimulation runs the promotion described by sc (or cfg.Scenario when
// sc is nil) over an in-process mailbox with simulated survivors. The
// returned error covers setup problems only; the promotion outcome is in
// the Report.
func RunSimulation(ctx context.Context, cfg Config, sc *scenario.Scenario, logger pslog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sc == nil {
		if cfg.Scenario == "" {
			return nil, errors.New("mprepair: scenario required")
		}
		loaded, err := scenario.Load(cfg.Scenario)
		if err != nil {
			return nil, err
		}
		sc = loaded
	}
	leader := sc.Leader.HSID()
	if override, ok := cfg.LeaderOverride(); ok {
		leader = override
	}
	survivors := sc.SurvivorIDs()
	for _, id := range survivors {
		if id == leader {
			return nil, fmt.Errorf("mprepair: leader %s is also a survivor", leader)
		}
	}
	ctx, cid := correlation.Ensure(ctx)
	logger = loggingutil.EnsureLogger(logger).With("cid", cid)
	simLogger := loggingutil.WithSubsystem(logger, "simulate")

	recorder := newRepairRecorder()
	bus := mailbox.New(mailbox.Config{Logger: logger, Observe: recorder.observe})
	defer bus.Close()

	replicas := make([]*replica.Replica, 0, len(sc.Survivors))
	for i, sv := range sc.Survivors {
		r, err := replica.New(replica.Config{
			ID:      sv.HSID.HSID(),
			Bus:     bus,
			Log:     sv.Payloads(leader),
			Shuffle: sv.Shuffle || cfg.Shuffle,
			SkipAck: sv.SkipAck,
			Silent:  sv.Silent,
			Rand:    rand.New(rand.NewSource(cfg.Seed + int64(i))),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		if err := bus.Register(r.ID(), r); err != nil {
			return nil, err
		}
		replicas = append(replicas, r)
	}

	term, err := promote.NewTerm(promote.Config{
		Self:      leader,
		Survivors: survivors,
		Mailbox:   bus,
		Logger:    logger,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	if err := bus.Register(leader, mailbox.HandlerFunc(term.Deliver)); err != nil {
		return nil, err
	}

	started := time.Now()
	simLogger.Info("simulate.start",
		"scenario", sc.Name,
		"leader", leader.String(),
		"survivors", hsid.Join(survivors),
		"request_id", term.RequestID(),
	)
	var result *promote.Result
	if err := bus.Do(ctx, leader, func(ctx context.Context) { result = term.Start(ctx) }); err != nil {
		return nil, err
	}
	if err := waitForResult(ctx, cfg.Timeout, bus, leader, term, result, simLogger); err != nil {
		return nil, err
	}

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer cancel()
	if err := bus.Drain(drainCtx); err != nil {
		simLogger.Warn("simulate.drain.incomplete", "error", err)
	}

	report := &Report{
		Name:          sc.Name,
		CorrelationID: cid,
		Leader:        leader,
		Survivors:     survivors,
		RequestID:     term.RequestID(),
		Result:        result.State(),
		MaxTxnID:      result.Value(),
		Repairs:       recorder.records(),
		Messages:      bus.Counts(),
		Elapsed:       time.Since(started),
	}
	if err := bus.Do(ctx, leader, func(context.Context) { report.State = term.State() }); err != nil {
		report.State = term.State()
	}
	if err := result.Err(); err != nil {
		report.Error = err.Error()
	}
	for _, r := range replicas {
		report.Replicas = append(report.Replicas, ReplicaReport{HSID: r.ID(), Outcomes: r.Outcomes(), Stats: r.Stats()})
	}
	report.Divergent = divergent(report.Repairs, replicas)
	report.Converged = len(report.Divergent) == 0
	report.Expectations = checkExpectations(sc, report, replicas)

	simLogger.Info("simulate.complete",
		"result", string(report.Result),
		"max_txn_id", report.MaxTxnID.String(),
		"repairs", len(report.Repairs),
		"converged", report.Converged,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// waitForResult waits up to timeout, then cancels the Term on the leader's
// inbox. A promotion that resolved in the meantime keeps its outcome.
func waitForResult(ctx context.Context, timeout time.Duration, bus *mailbox.Local, leader hsid.HSID, term *promote.Term, result *promote.Result, logger pslog.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := result.Wait(waitCtx)
	if err == nil || result.IsDone() {
		return nil
	}
	cancelled := false
	if doErr := bus.Do(context.Background(), leader, func(context.Context) { cancelled = term.Cancel() }); doErr != nil {
		return doErr
	}
	logger.Warn("simulate.timeout", "timeout", timeout, "cancelled", cancelled, "cause", err)
	if ctx.Err() != nil && !result.IsDone() {
		return ctx.Err()
	}
	return nil
}

type repairRecorder struct {
	mu    sync.Mutex
	byTxn map[txnid.TxnID]*RepairRecord
}

func newRepairRecorder() *repairRecorder {
	return &repairRecorder{byTxn: make(map[txnid.TxnID]*RepairRecord)}
}

func (r *repairRecorder) observe(d mailbox.Delivery) {
	msg, ok := d.Message.(*messaging.CompleteTransaction)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byTxn[msg.TxnID]
	if !ok {
		rec = &RepairRecord{
			TxnID:            msg.TxnID,
			OriginalTxnID:    msg.OriginalTxnID,
			Outcome:          msg.Outcome(),
			RollbackForFault: msg.RollbackForFault,
		}
		r.byTxn[msg.TxnID] = rec
	}
	rec.Destinations++
}

func (r *repairRecorder) records() []RepairRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RepairRecord, 0, len(r.byTxn))
	for _, rec := range r.byTxn {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxnID < out[j].TxnID })
	return out
}

// divergent lists repaired transactions on which survivors disagree or that
// some survivor never decided.
func divergent(repairs []RepairRecord, replicas []*replica.Replica) []txnid.TxnID {
	var out []txnid.TxnID
	for _, rec := range repairs {
		for _, r := range replicas {
			outcome, ok := r.Outcome(rec.TxnID)
			if !ok || outcome != rec.Outcome {
				out = append(out, rec.TxnID)
				break
			}
		}
	}
	return out
}

func checkExpectations(sc *scenario.Scenario, report *Report, replicas []*replica.Replica) []string {
	if sc.Expect == nil {
		return nil
	}
	var failures []string
	if sc.Expect.MaxTxn != nil && report.MaxTxnID != sc.Expect.MaxTxn.TxnID() {
		failures = append(failures, fmt.Sprintf("max txn %s, want %s", report.MaxTxnID, sc.Expect.MaxTxn.TxnID()))
	}
	expected := sc.ExpectedOutcomes()
	ids := make([]txnid.TxnID, 0, len(expected))
	for id := range expected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		for _, r := range replicas {
			got, ok := r.Outcome(id)
			if !ok {
				got = "undecided"
			}
			if got != expected[id] {
				failures = append(failures, fmt.Sprintf("txn %s on %s: %s, want %s", id, r.ID(), got, expected[id]))
			}
		}
	}
	return failures
}

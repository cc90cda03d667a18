package promote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/mprepair/internal/clock"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
)

func TestNewTermRequiresMailbox(t *testing.T) {
	if _, err := NewTerm(Config{Survivors: []hsid.HSID{survivorA}}); !errors.Is(err, ErrMailboxRequired) {
		t.Fatalf("expected ErrMailboxRequired, got %v", err)
	}
}

func TestRequestIDsStrictlyIncrease(t *testing.T) {
	mb := &recordingMailbox{}
	clk := clock.NewManual(time.Unix(10, 0))
	var prev uint64
	for i := 0; i < 5; i++ {
		term, err := NewTerm(Config{Self: leader, Survivors: []hsid.HSID{survivorA}, Mailbox: mb, Clock: clk})
		if err != nil {
			t.Fatalf("NewTerm: %v", err)
		}
		if term.RequestID() <= prev {
			t.Fatalf("request id %d not greater than %d", term.RequestID(), prev)
		}
		prev = term.RequestID()
	}
}

func TestStartBroadcastsRequest(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA, survivorB)
	res := term.Start(context.Background())
	if res.IsDone() {
		t.Fatalf("result resolved before any response")
	}
	if term.State() != StateAwaitingRepairLogs {
		t.Fatalf("unexpected state %s", term.State())
	}
	if len(mb.sends) != 1 {
		t.Fatalf("expected one send, got %d", len(mb.sends))
	}
	want := &messaging.RepairLogRequest{RequestID: term.RequestID(), Type: messaging.RequestMPI, Source: leader}
	if diff := cmp.Diff(messaging.Message(want), mb.sends[0].msg); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hsid.HSID{survivorA, survivorB}, mb.sends[0].destinations); diff != "" {
		t.Fatalf("destinations mismatch (-want +got):\n%s", diff)
	}
	if again := term.Start(context.Background()); again != res || len(mb.sends) != 1 {
		t.Fatalf("second Start must return the same result without resending")
	}
}

func TestStartSetupFailures(t *testing.T) {
	sendErr := errors.New("mailbox closed")
	cases := []struct {
		name      string
		mb        *recordingMailbox
		survivors []hsid.HSID
		want      error
	}{
		{name: "send-rejected", mb: &recordingMailbox{sendErr: sendErr}, survivors: []hsid.HSID{survivorA}, want: sendErr},
		{name: "no-survivors", mb: &recordingMailbox{}, want: ErrNoSurvivors},
		{name: "duplicate-survivor", mb: &recordingMailbox{}, survivors: []hsid.HSID{survivorA, survivorA}, want: ErrDuplicateSurvivor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			term := newTestTerm(t, tc.mb, tc.survivors...)
			res := term.Start(context.Background())
			value, err := res.Wait(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var setupErr *SetupError
			if !errors.As(err, &setupErr) || setupErr.RequestID != term.RequestID() {
				t.Fatalf("expected SetupError for request %d, got %v", term.RequestID(), err)
			}
			if value != txnid.NoPromotion {
				t.Fatalf("expected NoPromotion, got %v", value)
			}
			if term.State() != StateFailed {
				t.Fatalf("unexpected state %s", term.State())
			}
		})
	}
}

func TestThreeSurvivorScenario(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA, survivorB, survivorC)
	res := term.Start(context.Background())
	id := term.RequestID()
	ctx := context.Background()

	term.Deliver(ctx, completeEntry(id, survivorA, 1, 1, 100))
	term.Deliver(ctx, ack(id, survivorC, 0))
	if term.RepairLogsComplete() {
		t.Fatalf("B still outstanding")
	}
	term.Deliver(ctx, fragmentEntry(id, survivorB, 1, 1, 100))

	if !term.RepairLogsComplete() {
		t.Fatalf("expected every log complete")
	}
	if term.UnionSize() != 1 {
		t.Fatalf("expected one union entry, got %d", term.UnionSize())
	}
	if len(mb.repairs) != 1 {
		t.Fatalf("expected one repair broadcast, got %d", len(mb.repairs))
	}
	forwarded := completeEntry(id, survivorA, 1, 1, 100).Payload
	if diff := cmp.Diff(forwarded, messaging.Payload(mb.repairs[0].msg)); diff != "" {
		t.Fatalf("forwarded record mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hsid.HSID{survivorA, survivorB, survivorC}, mb.repairs[0].destinations); diff != "" {
		t.Fatalf("destinations mismatch (-want +got):\n%s", diff)
	}
	value, err := res.Wait(ctx)
	if err != nil || value != 100 {
		t.Fatalf("expected completion with 100, got %v %v", value, err)
	}
	if term.State() != StateDone {
		t.Fatalf("unexpected state %s", term.State())
	}
}

func TestSingleSurvivorFragmentsRollBack(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	id := term.RequestID()
	ctx := context.Background()

	f50 := fragmentEntry(id, survivorA, 1, 2, 50)
	f50.Payload.(*messaging.FragmentTask).OriginalTxnID = 40
	f51 := fragmentEntry(id, survivorA, 2, 2, 51)
	f51.Payload.(*messaging.FragmentTask).OriginalTxnID = 41
	term.Deliver(ctx, f51)
	term.Deliver(ctx, f50)

	if len(mb.repairs) != 2 {
		t.Fatalf("expected two repairs, got %d", len(mb.repairs))
	}
	wantOriginal := map[txnid.TxnID]txnid.TxnID{50: 40, 51: 41}
	for i, want := range []txnid.TxnID{50, 51} {
		msg := mb.repairs[i].msg
		if msg.TxnID != want {
			t.Fatalf("repair %d: txn %v want %v", i, msg.TxnID, want)
		}
		if !msg.Rollback || !msg.RollbackForFault || msg.RequiresAck {
			t.Fatalf("repair %d is not a forced rollback: %+v", i, msg)
		}
		if msg.OriginalTxnID != wantOriginal[want] {
			t.Fatalf("repair %d: original txn %v want %v", i, msg.OriginalTxnID, wantOriginal[want])
		}
	}
	if value, err := res.Wait(ctx); err != nil || value != 51 {
		t.Fatalf("expected completion with 51, got %v %v", value, err)
	}
}

func TestEmptyLogsCompleteWithZeroMax(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA, survivorB)
	res := term.Start(context.Background())
	term.Deliver(context.Background(), ack(term.RequestID(), survivorA, 0))
	term.Deliver(context.Background(), ack(term.RequestID(), survivorB, 0))
	value, err := res.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if value != txnid.Zero {
		t.Fatalf("expected zero max %v, got %v", txnid.Zero, value)
	}
	if value == txnid.NoPromotion {
		t.Fatalf("completed promotion must not report NoPromotion")
	}
	if len(mb.repairs) != 0 {
		t.Fatalf("expected no repairs, got %d", len(mb.repairs))
	}
}

func TestAckDoesNotMoveMax(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	term.Start(context.Background())
	before := term.MaxSeenTxnID()
	term.Deliver(context.Background(), ack(term.RequestID(), survivorA, 1))
	if term.MaxSeenTxnID() != before {
		t.Fatalf("unknown txn id moved max from %v to %v", before, term.MaxSeenTxnID())
	}
	if term.UnionSize() != 0 {
		t.Fatalf("ack must not enter the union")
	}
}

func TestStaleResponsesDoNotMutate(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	term.Start(context.Background())
	stale := term.RequestID() - 1
	before := term.MaxSeenTxnID()

	term.Deliver(context.Background(), completeEntry(stale, survivorA, 1, 1, 900))
	term.Deliver(context.Background(), ack(stale, survivorA, 0))

	rr := term.scoreboard[survivorA]
	if rr.received != 0 || rr.expected != -1 {
		t.Fatalf("scoreboard mutated by stale response: %+v", rr)
	}
	if term.UnionSize() != 0 || term.MaxSeenTxnID() != before {
		t.Fatalf("union or max mutated by stale response")
	}
	if term.State() != StateAwaitingRepairLogs || len(mb.repairs) != 0 {
		t.Fatalf("stale response must not trigger dispatch")
	}
}

func TestUnknownSourceDropped(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	term.Start(context.Background())
	term.Deliver(context.Background(), completeEntry(term.RequestID(), survivorB, 1, 1, 5))
	if term.UnionSize() != 0 || term.RepairLogsComplete() {
		t.Fatalf("response from a non-survivor must be dropped")
	}
}

func TestCancelBeforeFinalDeliveryPreventsRepair(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA, survivorB)
	res := term.Start(context.Background())
	id := term.RequestID()
	term.Deliver(context.Background(), fragmentEntry(id, survivorA, 1, 1, 10))

	if !term.Cancel() {
		t.Fatalf("expected cancel to take effect")
	}
	term.Deliver(context.Background(), ack(id, survivorB, 0))

	if len(mb.repairs) != 0 {
		t.Fatalf("repairs dispatched after cancel: %d", len(mb.repairs))
	}
	if term.State() != StateCancelled {
		t.Fatalf("unexpected state %s", term.State())
	}
	if _, err := res.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestResultCancelObservedAtDispatch(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	if !res.Cancel() {
		t.Fatalf("expected cancel")
	}
	// Delivery still races the cancellation observed only on the Result.
	term.repairSurvivors(context.Background())
	if len(mb.repairs) != 0 || term.State() != StateCancelled {
		t.Fatalf("dispatch must be skipped, state %s repairs %d", term.State(), len(mb.repairs))
	}
}

func TestCancelAfterDispatchHasNoEffect(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	term.Deliver(context.Background(), completeEntry(term.RequestID(), survivorA, 1, 1, 3))
	if term.Cancel() {
		t.Fatalf("cancel after dispatch must report false")
	}
	if len(mb.repairs) != 1 {
		t.Fatalf("expected dispatched repair to stand, got %d", len(mb.repairs))
	}
	if value, err := res.Wait(context.Background()); err != nil || value != 3 {
		t.Fatalf("unexpected outcome %v %v", value, err)
	}
	term.Deliver(context.Background(), completeEntry(term.RequestID(), survivorA, 1, 1, 3))
	if len(mb.repairs) != 1 {
		t.Fatalf("late response triggered a second dispatch")
	}
}

func TestCancelDuringDispatchReportsFalse(t *testing.T) {
	var term *Term
	var cancelled bool
	mb := &recordingMailbox{}
	mb.repairErr = func(*messaging.CompleteTransaction) error {
		cancelled = term.Cancel()
		return nil
	}
	term = newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	term.Deliver(context.Background(), fragmentEntry(term.RequestID(), survivorA, 1, 1, 8))
	if cancelled {
		t.Fatalf("cancel inside dispatch must not take effect")
	}
	if res.State() != ResultCompleted {
		t.Fatalf("unexpected result state %s", res.State())
	}
}

func TestRepairFailureFailsResultAfterFullPass(t *testing.T) {
	rejected := errors.New("survivor unreachable")
	mb := &recordingMailbox{repairErr: func(msg *messaging.CompleteTransaction) error {
		if msg.TxnID == 20 {
			return rejected
		}
		return nil
	}}
	term := newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	id := term.RequestID()
	for i, txn := range []txnid.TxnID{10, 20, 30} {
		term.Deliver(context.Background(), fragmentEntry(id, survivorA, uint32(i+1), 3, txn))
	}
	if len(mb.repairs) != 2 {
		t.Fatalf("expected the other repairs to be sent, got %d", len(mb.repairs))
	}
	_, err := res.Wait(context.Background())
	var repairErr *RepairError
	if !errors.As(err, &repairErr) {
		t.Fatalf("expected RepairError, got %v", err)
	}
	if len(repairErr.Failures) != 1 || repairErr.Failures[0].TxnID != 20 {
		t.Fatalf("unexpected failures %+v", repairErr.Failures)
	}
	if !errors.Is(err, rejected) {
		t.Fatalf("expected cause in chain")
	}
	if term.State() != StateFailed {
		t.Fatalf("unexpected state %s", term.State())
	}
}

func TestDeliveryBeforeStartIsDropped(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	term.Deliver(context.Background(), ack(term.RequestID(), survivorA, 0))
	if term.State() != StateCreated || term.RepairLogsComplete() {
		t.Fatalf("early response mutated the term")
	}
}

func TestAnyInterleavingDispatchesOnce(t *testing.T) {
	build := func(id uint64) []messaging.Message {
		return []messaging.Message{
			ack(id, survivorA, 2),
			fragmentEntry(id, survivorA, 1, 2, 100),
			completeEntry(id, survivorA, 2, 2, 101),
			fragmentEntry(id, survivorB, 1, 1, 101),
			ack(id, survivorC, 0),
		}
	}
	for _, perm := range permutations(5) {
		mb := &recordingMailbox{}
		term := newTestTerm(t, mb, survivorA, survivorB, survivorC)
		res := term.Start(context.Background())
		msgs := build(term.RequestID())
		for _, idx := range perm {
			term.Deliver(context.Background(), msgs[idx])
		}
		if len(mb.repairs) != 2 {
			t.Fatalf("perm %v: expected two repairs, got %d", perm, len(mb.repairs))
		}
		if mb.repairs[0].msg.TxnID != 100 || !mb.repairs[0].msg.Rollback {
			t.Fatalf("perm %v: txn 100 should roll back, got %+v", perm, mb.repairs[0].msg)
		}
		if mb.repairs[1].msg.TxnID != 101 || mb.repairs[1].msg.RollbackForFault {
			t.Fatalf("perm %v: txn 101 should forward the complete record, got %+v", perm, mb.repairs[1].msg)
		}
		if value, err := res.Wait(context.Background()); err != nil || value != 101 {
			t.Fatalf("perm %v: unexpected outcome %v %v", perm, value, err)
		}
	}
}

func TestTypedNilPayloadDoesNotPanicDispatch(t *testing.T) {
	mb := &recordingMailbox{}
	term := newTestTerm(t, mb, survivorA)
	res := term.Start(context.Background())
	id := term.RequestID()
	ctx := context.Background()

	broken := fragmentEntry(id, survivorA, 1, 1, 9)
	broken.Payload = (*messaging.CompleteTransaction)(nil)
	term.Deliver(ctx, broken)
	if term.UnionSize() != 0 {
		t.Fatalf("typed nil payload entered the union")
	}
	term.Deliver(ctx, fragmentEntry(id, survivorA, 1, 1, 10))
	value, err := res.Wait(ctx)
	if err != nil || value != 10 {
		t.Fatalf("expected completion with 10, got %v %v", value, err)
	}
	if len(mb.repairs) != 1 || mb.repairs[0].msg.TxnID != 10 {
		t.Fatalf("expected one repair for txn 10, got %+v", mb.repairs)
	}
}

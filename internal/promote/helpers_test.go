package promote

import (
	"context"
	"testing"
	"time"

	"pkt.systems/mprepair/internal/clock"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
)

var (
	leader    = hsid.New(0, 100)
	survivorA = hsid.New(1, 1)
	survivorB = hsid.New(2, 1)
	survivorC = hsid.New(3, 1)
)

type sentMessage struct {
	destinations []hsid.HSID
	msg          messaging.Message
}

type repairBroadcast struct {
	destinations []hsid.HSID
	msg          *messaging.CompleteTransaction
}

type recordingMailbox struct {
	sends     []sentMessage
	repairs   []repairBroadcast
	sendErr   error
	repairErr func(*messaging.CompleteTransaction) error
}

func (m *recordingMailbox) Send(_ context.Context, destinations []hsid.HSID, msg messaging.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sends = append(m.sends, sentMessage{destinations: append([]hsid.HSID(nil), destinations...), msg: msg})
	return nil
}

func (m *recordingMailbox) RepairReplicasWith(_ context.Context, destinations []hsid.HSID, msg *messaging.CompleteTransaction) error {
	if m.repairErr != nil {
		if err := m.repairErr(msg); err != nil {
			return err
		}
	}
	m.repairs = append(m.repairs, repairBroadcast{destinations: append([]hsid.HSID(nil), destinations...), msg: msg})
	return nil
}

func newTestTerm(t *testing.T, mb *recordingMailbox, survivors ...hsid.HSID) *Term {
	t.Helper()
	term, err := NewTerm(Config{
		Self:      leader,
		Survivors: survivors,
		Mailbox:   mb,
		Clock:     clock.NewManual(time.Unix(1_700_000_000, 0)),
	})
	if err != nil {
		t.Fatalf("NewTerm: %v", err)
	}
	return term
}

func ack(requestID uint64, source hsid.HSID, total uint32) *messaging.RepairLogResponse {
	return &messaging.RepairLogResponse{
		RequestID:     requestID,
		Source:        source,
		SequenceIndex: 0,
		SequenceTotal: total,
		TxnID:         txnid.Unknown,
	}
}

func fragmentEntry(requestID uint64, source hsid.HSID, index, total uint32, txn txnid.TxnID) *messaging.RepairLogResponse {
	return &messaging.RepairLogResponse{
		RequestID:     requestID,
		Source:        source,
		SequenceIndex: index,
		SequenceTotal: total,
		TxnID:         txn,
		Payload: &messaging.FragmentTask{
			InitiatorHSID:   leader,
			CoordinatorHSID: survivorA,
			TxnID:           txn,
			OriginalTxnID:   txn,
		},
	}
}

func completeEntry(requestID uint64, source hsid.HSID, index, total uint32, txn txnid.TxnID) *messaging.RepairLogResponse {
	return &messaging.RepairLogResponse{
		RequestID:     requestID,
		Source:        source,
		SequenceIndex: index,
		SequenceTotal: total,
		TxnID:         txn,
		Payload: &messaging.CompleteTransaction{
			InitiatorHSID:   leader,
			CoordinatorHSID: survivorA,
			TxnID:           txn,
			OriginalTxnID:   txn,
			RequiresAck:     true,
		},
	}
}

// permutations returns every ordering of n indices.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, rest := range permutations(n - 1) {
		for pos := 0; pos <= len(rest); pos++ {
			perm := make([]int, 0, n)
			perm = append(perm, rest[:pos]...)
			perm = append(perm, n-1)
			perm = append(perm, rest[pos:]...)
			out = append(out, perm)
		}
	}
	return out
}

package promote

import "pkt.systems/mprepair/internal/messaging"

type repairKind string

const (
	repairForward  repairKind = "forward"
	repairRollback repairKind = "rollback"
)

// repairMessageFor turns a merged union entry into the action broadcast to
// every survivor. A complete-transaction record is forwarded as is; a
// fragment becomes a forced rollback of the same transaction.
func repairMessageFor(resp *messaging.RepairLogResponse) (*messaging.CompleteTransaction, repairKind, bool) {
	if resp.IsAck() {
		return nil, "", false
	}
	switch p := resp.Payload.(type) {
	case *messaging.CompleteTransaction:
		return p, repairForward, true
	case *messaging.FragmentTask:
		return &messaging.CompleteTransaction{
			InitiatorHSID:    p.InitiatorHSID,
			CoordinatorHSID:  p.CoordinatorHSID,
			TxnID:            p.TxnID,
			OriginalTxnID:    p.OriginalTxnID,
			ReadOnly:         p.ReadOnly,
			Rollback:         true,
			RequiresAck:      false,
			RollbackForFault: true,
			ForReplay:        p.ForReplay,
		}, repairRollback, true
	default:
		return nil, "", false
	}
}

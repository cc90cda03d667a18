package promote

import (
	"github.com/google/btree"

	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
)

const unionDegree = 16

type offerResult string

const (
	offerInserted offerResult = "inserted"
	offerReplaced offerResult = "replaced"
	offerKept     offerResult = "kept"
	offerIgnored  offerResult = "ignored"
)

type unionEntry struct {
	txn      txnid.TxnID
	response *messaging.RepairLogResponse
}

// repairLogUnion holds at most one response per transaction id in ascending
// id order. A complete-transaction entry displaces a fragment entry; the
// first fragment reported for an id is kept.
type repairLogUnion struct {
	tree *btree.BTreeG[unionEntry]
}

func newRepairLogUnion() *repairLogUnion {
	return &repairLogUnion{
		tree: btree.NewG(unionDegree, func(a, b unionEntry) bool { return a.txn < b.txn }),
	}
}

func (u *repairLogUnion) offer(resp *messaging.RepairLogResponse) offerResult {
	if resp.IsAck() {
		return offerIgnored
	}
	entry := unionEntry{txn: resp.TxnID, response: resp}
	if _, found := u.tree.Get(entry); !found {
		u.tree.ReplaceOrInsert(entry)
		return offerInserted
	}
	if _, ok := resp.Payload.(*messaging.CompleteTransaction); ok {
		u.tree.ReplaceOrInsert(entry)
		return offerReplaced
	}
	return offerKept
}

func (u *repairLogUnion) get(id txnid.TxnID) (*messaging.RepairLogResponse, bool) {
	entry, ok := u.tree.Get(unionEntry{txn: id})
	return entry.response, ok
}

func (u *repairLogUnion) len() int {
	return u.tree.Len()
}

// ascend visits entries in ascending transaction id order until fn returns
// false.
func (u *repairLogUnion) ascend(fn func(*messaging.RepairLogResponse) bool) {
	u.tree.Ascend(func(entry unionEntry) bool {
		return fn(entry.response)
	})
}

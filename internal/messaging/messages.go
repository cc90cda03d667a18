// Package messaging defines the messages exchanged between a promoting
// initiator and the surviving replicas, plus the tagged JSON envelope used to
// move them across mailboxes.
package messaging

import (
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/txnid"
)

// Kind tags a message on the wire.
type Kind string

const (
	// KindRepairLogRequest tags RepairLogRequest.
	KindRepairLogRequest Kind = "repair_log_request"
	// KindRepairLogResponse tags RepairLogResponse.
	KindRepairLogResponse Kind = "repair_log_response"
	// KindFragmentTask tags FragmentTask.
	KindFragmentTask Kind = "fragment_task"
	// KindCompleteTransaction tags CompleteTransaction.
	KindCompleteTransaction Kind = "complete_transaction"
)

// RequestType distinguishes which initiator asked for repair logs.
type RequestType string

const (
	// RequestMPI is issued by a multi-partition initiator taking office.
	RequestMPI RequestType = "initiator-repair-request"
	// RequestSPI is issued by a single-partition leader taking office.
	RequestSPI RequestType = "sp-repair-request"
)

// Message is anything a mailbox can carry.
type Message interface {
	Kind() Kind
}

// Payload is the optional body of a repair-log response: a FragmentTask or a
// CompleteTransaction.
type Payload interface {
	Message
	PayloadTxnID() txnid.TxnID
	isPayload()
}

// RepairLogRequest asks every survivor for its in-flight repair log.
type RepairLogRequest struct {
	RequestID uint64      `json:"request_id"`
	Type      RequestType `json:"kind"`
	Source    hsid.HSID   `json:"source"`
}

// Kind implements Message.
func (*RepairLogRequest) Kind() Kind { return KindRepairLogRequest }

// RepairLogResponse is one entry of a survivor's repair log. SequenceTotal is
// the number of payload-bearing entries the survivor sends for the request.
// A response with a nil Payload is a bare acknowledgement that only conveys
// SequenceTotal.
type RepairLogResponse struct {
	RequestID     uint64      `json:"request_id"`
	Source        hsid.HSID   `json:"source"`
	SequenceIndex uint32      `json:"sequence_index"`
	SequenceTotal uint32      `json:"sequence_total"`
	TxnID         txnid.TxnID `json:"txn_id"`
	Payload       Payload     `json:"-"`
}

// Kind implements Message.
func (*RepairLogResponse) Kind() Kind { return KindRepairLogResponse }

// IsAck reports whether r carries no payload. A typed nil payload counts as
// none.
func (r *RepairLogResponse) IsAck() bool {
	if r == nil {
		return true
	}
	switch p := r.Payload.(type) {
	case nil:
		return true
	case *FragmentTask:
		return p == nil
	case *CompleteTransaction:
		return p == nil
	}
	return false
}

// Fragment is one plan fragment of a FragmentTask.
type Fragment struct {
	PlanHash string `json:"plan_hash"`
	Params   []byte `json:"params,omitempty"`
}

// FragmentTask is a partially executed piece of a multi-partition transaction.
type FragmentTask struct {
	InitiatorHSID   hsid.HSID   `json:"initiator_hsid"`
	CoordinatorHSID hsid.HSID   `json:"coordinator_hsid"`
	TxnID           txnid.TxnID `json:"txn_id"`
	OriginalTxnID   txnid.TxnID `json:"original_txn_id"`
	UniqueID        uint64      `json:"unique_id,omitempty"`
	ReadOnly        bool        `json:"read_only,omitempty"`
	ForReplay       bool        `json:"for_replay,omitempty"`
	Fragments       []Fragment  `json:"fragments,omitempty"`
}

// Kind implements Message.
func (*FragmentTask) Kind() Kind { return KindFragmentTask }

// PayloadTxnID implements Payload.
func (f *FragmentTask) PayloadTxnID() txnid.TxnID { return f.TxnID }

func (*FragmentTask) isPayload() {}

// CompleteTransaction declares the final outcome of a transaction. Replicas
// treat re-application of an already decided transaction as a no-op.
type CompleteTransaction struct {
	InitiatorHSID    hsid.HSID   `json:"initiator_hsid"`
	CoordinatorHSID  hsid.HSID   `json:"coordinator_hsid"`
	TxnID            txnid.TxnID `json:"txn_id"`
	OriginalTxnID    txnid.TxnID `json:"original_txn_id"`
	ReadOnly         bool        `json:"read_only,omitempty"`
	Rollback         bool        `json:"rollback,omitempty"`
	RequiresAck      bool        `json:"requires_ack,omitempty"`
	RollbackForFault bool        `json:"rollback_for_fault,omitempty"`
	ForReplay        bool        `json:"for_replay,omitempty"`
}

// Kind implements Message.
func (*CompleteTransaction) Kind() Kind { return KindCompleteTransaction }

// PayloadTxnID implements Payload.
func (c *CompleteTransaction) PayloadTxnID() txnid.TxnID { return c.TxnID }

func (*CompleteTransaction) isPayload() {}

// Outcome names the decision a CompleteTransaction applies.
func (c *CompleteTransaction) Outcome() string {
	if c.Rollback {
		return "rollback"
	}
	return "commit"
}

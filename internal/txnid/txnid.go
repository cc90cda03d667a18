// Package txnid encodes the 64-bit logical timestamps that order
// multi-partition transactions. An id packs a sequence number above the
// initiating partition id, so numeric comparison is transaction order.
package txnid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// PartitionBits is the number of low-order bits carrying the partition id.
	PartitionBits = 14
	// SequenceBits is the number of bits carrying the sequence number.
	SequenceBits = 50

	// MaxPartition is the largest encodable partition id.
	MaxPartition = (1 << PartitionBits) - 1
	// MaxSequence is the largest sequence Make accepts. The top sequence is
	// reserved for Unknown and NoPromotion.
	MaxSequence = (1 << SequenceBits) - 2

	// MPInitPartition is the partition id reserved for the multi-partition initiator.
	MPInitPartition = MaxPartition
)

// TxnID is a transaction identifier. Larger ids are later transactions.
type TxnID uint64

const (
	// Unknown marks a response that carries no transaction (for example a bare
	// repair-log acknowledgement). It never participates in max-seen tracking.
	Unknown TxnID = math.MaxUint64
	// NoPromotion is the terminal value reported by a promotion that did not
	// complete. It compares above every id Make can issue.
	NoPromotion TxnID = math.MaxUint64 - 1
	// Zero is below every issued id. A running maximum starts here.
	Zero TxnID = 0
)

const (
	unknownText     = "unknown"
	noPromotionText = "no_promotion"
)

// ErrInvalid reports an unparsable transaction id.
var ErrInvalid = errors.New("txnid: invalid transaction id")

// Make packs sequence and partition into a TxnID.
func Make(sequence uint64, partition uint32) (TxnID, error) {
	if sequence > MaxSequence {
		return 0, fmt.Errorf("txnid: sequence %d exceeds %d bits", sequence, SequenceBits)
	}
	if partition > MaxPartition {
		return 0, fmt.Errorf("txnid: partition %d exceeds %d bits", partition, PartitionBits)
	}
	return TxnID(sequence<<PartitionBits | uint64(partition)), nil
}

// Sequence returns the sequence component.
func (id TxnID) Sequence() uint64 {
	return uint64(id) >> PartitionBits
}

// Partition returns the partition component.
func (id TxnID) Partition() uint32 {
	return uint32(uint64(id) & MaxPartition)
}

// IsUnknown reports whether id is the Unknown sentinel.
func (id TxnID) IsUnknown() bool {
	return id == Unknown
}

// Max returns the larger of a and b, ignoring Unknown.
func Max(a, b TxnID) TxnID {
	switch {
	case a.IsUnknown():
		return b
	case b.IsUnknown():
		return a
	case b > a:
		return b
	default:
		return a
	}
}

// IsNoPromotion reports whether id is the NoPromotion terminal value.
func (id TxnID) IsNoPromotion() bool {
	return id == NoPromotion
}

// String renders id as "sequence:partition", "unknown" or "no_promotion".
func (id TxnID) String() string {
	switch id {
	case Unknown:
		return unknownText
	case NoPromotion:
		return noPromotionText
	}
	return strconv.FormatUint(id.Sequence(), 10) + ":" + strconv.FormatUint(uint64(id.Partition()), 10)
}

// Parse accepts "unknown", "sequence:partition" or a raw decimal id.
func Parse(s string) (TxnID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	if strings.EqualFold(s, unknownText) {
		return Unknown, nil
	}
	if strings.EqualFold(s, noPromotionText) {
		return NoPromotion, nil
	}
	if seq, part, ok := strings.Cut(s, ":"); ok {
		sequence, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		partition, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		return Make(sequence, uint32(partition))
	}
	raw, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return TxnID(raw), nil
}

// MarshalJSON encodes the sentinels as strings and any other id as a number.
func (id TxnID) MarshalJSON() ([]byte, error) {
	if id == Unknown || id == NoPromotion {
		return []byte(`"` + id.String() + `"`), nil
	}
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// UnmarshalJSON accepts a number or a string understood by Parse.
func (id *TxnID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var raw uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	*id = TxnID(raw)
	return nil
}

package promote

import (
	"errors"
	"strconv"
	"strings"

	"pkt.systems/mprepair/internal/txnid"
)

var (
	// ErrCancelled is returned by Result.Wait after a successful Cancel.
	ErrCancelled = errors.New("promote: promotion cancelled")
	// ErrNoSurvivors rejects a term with an empty survivor set.
	ErrNoSurvivors = errors.New("promote: survivor set is empty")
	// ErrDuplicateSurvivor rejects a survivor set listing an address twice.
	ErrDuplicateSurvivor = errors.New("promote: duplicate survivor")
	// ErrMailboxRequired is returned by NewTerm without a mailbox.
	ErrMailboxRequired = errors.New("promote: mailbox required")
)

// SetupError reports that a promotion could not issue its repair-log
// request.
type SetupError struct {
	RequestID uint64
	Err       error
}

func (e *SetupError) Error() string {
	if e == nil {
		return "promote setup failed"
	}
	msg := "promote setup failed (request " + strconv.FormatUint(e.RequestID, 10) + ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SetupError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RepairError reports repair broadcasts rejected by the mailbox.
type RepairError struct {
	RequestID uint64
	Failures  []RepairFailure
}

// RepairFailure captures one rejected repair broadcast.
type RepairFailure struct {
	TxnID txnid.TxnID
	Err   error
}

func (e *RepairError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "promote repair failed"
	}
	var b strings.Builder
	b.WriteString("promote repair failed: ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString("txn ")
		b.WriteString(f.TxnID.String())
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Unwrap exposes every failure cause to errors.Is and errors.As.
func (e *RepairError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

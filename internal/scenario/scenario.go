// Package scenario loads YAML descriptions of a promotion: the new leader,
// its survivors and the in-flight log each survivor reports.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
)

// Log entry kinds.
const (
	KindFragment = "fragment"
	KindComplete = "complete"
)

// Outcome names accepted in expectations.
const (
	OutcomeCommit   = "commit"
	OutcomeRollback = "rollback"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("scenario: invalid")

// Address is an HSID in a scenario file, written "host:site" or as a raw
// integer.
type Address hsid.HSID

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	id, err := hsid.Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*a = Address(id)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a Address) MarshalYAML() (any, error) {
	return hsid.HSID(a).String(), nil
}

// HSID converts a to an hsid.HSID.
func (a Address) HSID() hsid.HSID { return hsid.HSID(a) }

// Txn is a transaction id in a scenario file, written "seq:partition" or as
// a raw integer.
type Txn txnid.TxnID

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Txn) UnmarshalYAML(value *yaml.Node) error {
	id, err := txnid.Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = Txn(id)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t Txn) MarshalYAML() (any, error) {
	return txnid.TxnID(t).String(), nil
}

// TxnID converts t to a txnid.TxnID.
func (t Txn) TxnID() txnid.TxnID { return txnid.TxnID(t) }

// Scenario is one promotion to simulate.
type Scenario struct {
	Name      string       `yaml:"name,omitempty"`
	Leader    Address      `yaml:"leader"`
	Survivors []Survivor   `yaml:"survivors"`
	Expect    *Expectation `yaml:"expect,omitempty"`
}

// Survivor describes one surviving replica.
type Survivor struct {
	HSID    Address `yaml:"hsid"`
	Shuffle bool    `yaml:"shuffle,omitempty"`
	SkipAck bool    `yaml:"skip_ack,omitempty"`
	// Silent survivors never answer the repair-log request.
	Silent bool    `yaml:"silent,omitempty"`
	Log    []Entry `yaml:"log,omitempty"`
}

// Entry is one in-flight transaction record.
type Entry struct {
	Kind        string   `yaml:"kind"`
	Txn         Txn      `yaml:"txn"`
	OriginalTxn *Txn     `yaml:"original_txn,omitempty"`
	Coordinator *Address `yaml:"coordinator,omitempty"`
	UniqueID    uint64   `yaml:"unique_id,omitempty"`
	ReadOnly    bool     `yaml:"read_only,omitempty"`
	ForReplay   bool     `yaml:"for_replay,omitempty"`
	Rollback    bool     `yaml:"rollback,omitempty"`
}

// Expectation is optional and checked after the simulation runs.
type Expectation struct {
	MaxTxn   *Txn              `yaml:"max_txn,omitempty"`
	Outcomes map[string]string `yaml:"outcomes,omitempty"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %s: %w", path, err)
	}
	defer f.Close()
	sc, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one scenario document from r. Unknown fields are rejected.
func Decode(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario for structural errors.
func (s *Scenario) Validate() error {
	if len(s.Survivors) == 0 {
		return fmt.Errorf("%w: at least one survivor required", ErrInvalid)
	}
	seen := make(map[hsid.HSID]struct{}, len(s.Survivors))
	var errs []error
	for i, sv := range s.Survivors {
		id := sv.HSID.HSID()
		if id == s.Leader.HSID() {
			errs = append(errs, fmt.Errorf("survivor %d: %s is the leader", i, id))
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("survivor %d: duplicate hsid %s", i, id))
		}
		seen[id] = struct{}{}
		for j, e := range sv.Log {
			if err := e.validate(); err != nil {
				errs = append(errs, fmt.Errorf("survivor %s entry %d: %w", id, j, err))
			}
		}
	}
	if s.Expect != nil {
		for raw, outcome := range s.Expect.Outcomes {
			if _, err := txnid.Parse(raw); err != nil {
				errs = append(errs, fmt.Errorf("expect outcome %q: %w", raw, err))
			}
			switch strings.ToLower(outcome) {
			case OutcomeCommit, OutcomeRollback:
			default:
				errs = append(errs, fmt.Errorf("expect outcome %q: unknown outcome %q", raw, outcome))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (e Entry) validate() error {
	switch e.Kind {
	case KindFragment:
		if e.Rollback {
			return errors.New("rollback is only valid on complete entries")
		}
	case KindComplete:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Txn.TxnID().IsUnknown() {
		return errors.New("txn must be known")
	}
	return nil
}

// SurvivorIDs returns the survivor addresses in file order.
func (s *Scenario) SurvivorIDs() []hsid.HSID {
	out := make([]hsid.HSID, len(s.Survivors))
	for i, sv := range s.Survivors {
		out[i] = sv.HSID.HSID()
	}
	return out
}

// ExpectedOutcomes returns the parsed expectation map.
func (s *Scenario) ExpectedOutcomes() map[txnid.TxnID]string {
	if s.Expect == nil || len(s.Expect.Outcomes) == 0 {
		return nil
	}
	out := make(map[txnid.TxnID]string, len(s.Expect.Outcomes))
	for raw, outcome := range s.Expect.Outcomes {
		id, err := txnid.Parse(raw)
		if err != nil {
			continue
		}
		out[id] = strings.ToLower(outcome)
	}
	return out
}

// Payloads converts a survivor's log to messages. The leader is used as
// the initiator and, unless an entry names one, the survivor itself as
// coordinator.
func (sv Survivor) Payloads(leader hsid.HSID) []messaging.Payload {
	out := make([]messaging.Payload, 0, len(sv.Log))
	for _, e := range sv.Log {
		out = append(out, e.payload(leader, sv.HSID.HSID()))
	}
	return out
}

func (e Entry) payload(leader, self hsid.HSID) messaging.Payload {
	coordinator := self
	if e.Coordinator != nil {
		coordinator = e.Coordinator.HSID()
	}
	original := e.Txn.TxnID()
	if e.OriginalTxn != nil {
		original = e.OriginalTxn.TxnID()
	}
	if e.Kind == KindComplete {
		return &messaging.CompleteTransaction{
			InitiatorHSID:   leader,
			CoordinatorHSID: coordinator,
			TxnID:           e.Txn.TxnID(),
			OriginalTxnID:   original,
			ReadOnly:        e.ReadOnly,
			Rollback:        e.Rollback,
			RequiresAck:     true,
			ForReplay:       e.ForReplay,
		}
	}
	return &messaging.FragmentTask{
		InitiatorHSID:   leader,
		CoordinatorHSID: coordinator,
		TxnID:           e.Txn.TxnID(),
		OriginalTxnID:   original,
		UniqueID:        e.UniqueID,
		ReadOnly:        e.ReadOnly,
		ForReplay:       e.ForReplay,
	}
}

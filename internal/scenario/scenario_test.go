package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/txnid"
)

const threeSurvivors = `
name: three-survivors
leader: "0:100"
survivors:
  - hsid: "1:1"
    log:
      - kind: complete
        txn: 100
  - hsid: "2:1"
    shuffle: true
    log:
      - kind: fragment
        txn: 100
        original_txn: 90
        read_only: true
  - hsid: "3:1"
    skip_ack: false
expect:
  max_txn: 100
  outcomes:
    "100": commit
`

func TestParseThreeSurvivors(t *testing.T) {
	sc, err := Parse([]byte(threeSurvivors))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sc.Name != "three-survivors" || sc.Leader.HSID() != hsid.New(0, 100) {
		t.Fatalf("unexpected header %+v", sc)
	}
	want := []hsid.HSID{hsid.New(1, 1), hsid.New(2, 1), hsid.New(3, 1)}
	if diff := cmp.Diff(want, sc.SurvivorIDs()); diff != "" {
		t.Fatalf("survivors mismatch (-want +got):\n%s", diff)
	}
	if !sc.Survivors[1].Shuffle {
		t.Fatalf("expected shuffle on second survivor")
	}
	if sc.Expect == nil || sc.Expect.MaxTxn == nil || sc.Expect.MaxTxn.TxnID() != 100 {
		t.Fatalf("unexpected expectation %+v", sc.Expect)
	}
	if diff := cmp.Diff(map[txnid.TxnID]string{100: "commit"}, sc.ExpectedOutcomes()); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}

	payloads := sc.Survivors[1].Payloads(sc.Leader.HSID())
	frag, ok := payloads[0].(*messaging.FragmentTask)
	if !ok {
		t.Fatalf("expected fragment, got %T", payloads[0])
	}
	wantFrag := &messaging.FragmentTask{
		InitiatorHSID:   hsid.New(0, 100),
		CoordinatorHSID: hsid.New(2, 1),
		TxnID:           100,
		OriginalTxnID:   90,
		ReadOnly:        true,
	}
	if diff := cmp.Diff(wantFrag, frag); diff != "" {
		t.Fatalf("fragment mismatch (-want +got):\n%s", diff)
	}
	done, ok := sc.Survivors[0].Payloads(sc.Leader.HSID())[0].(*messaging.CompleteTransaction)
	if !ok || done.TxnID != 100 || done.Rollback || done.OriginalTxnID != 100 {
		t.Fatalf("unexpected complete payload %+v", done)
	}
}

func TestParseEncodedTxnIDs(t *testing.T) {
	doc := `
leader: "0:1"
survivors:
  - hsid: 4294967298
    log:
      - kind: fragment
        txn: "7:16383"
`
	sc, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sc.Survivors[0].HSID.HSID() != hsid.New(2, 1) {
		t.Fatalf("unexpected hsid %s", sc.Survivors[0].HSID.HSID())
	}
	want, err := txnid.Make(7, txnid.MPInitPartition)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if got := sc.Survivors[0].Log[0].Txn.TxnID(); got != want {
		t.Fatalf("txn %v want %v", got, want)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":           ``,
		"no-survivors":    "leader: \"0:1\"\nsurvivors: []\n",
		"duplicate":       "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\n  - hsid: \"1:1\"\n",
		"leader-survivor": "leader: \"1:1\"\nsurvivors:\n  - hsid: \"1:1\"\n",
		"bad-kind":        "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\n    log:\n      - kind: prepare\n        txn: 1\n",
		"rollback-frag":   "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\n    log:\n      - kind: fragment\n        txn: 1\n        rollback: true\n",
		"unknown-txn":     "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\n    log:\n      - kind: fragment\n        txn: unknown\n",
		"bad-outcome":     "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\nexpect:\n  outcomes:\n    \"1\": maybe\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := "leader: \"0:1\"\nsurvivors:\n  - hsid: \"1:1\"\n    colour: blue\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(threeSurvivors), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sc.Survivors) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(sc.Survivors))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// Package mprepair reconciles in-flight multi-partition transactions when a
// new initiator takes office after a failure or a planned leader change.
//
// The promotion itself lives in internal/promote. This package wires it to
// the in-process mailbox and simulated survivors so a promotion described in
// a YAML scenario can be run end to end:
//
//	sc, err := scenario.Load("three-survivors.yaml")
//	if err != nil { log.Fatal(err) }
//	report, err := mprepair.RunSimulation(ctx, mprepair.Config{}, sc, logger)
//	if err != nil { log.Fatal(err) }
//	fmt.Println(report.MaxTxnID, report.Converged)
//
// # Scenario files
//
// A scenario names the leader, the survivors and the log each survivor
// reports. Log entries are either fragments (left mid-flight) or complete
// records (decided). Ids are written "host:site" for addresses and
// "sequence:partition" or a raw integer for transactions.
//
//	leader: "0:100"
//	survivors:
//	  - hsid: "1:1"
//	    log:
//	      - {kind: complete, txn: 100}
//	  - hsid: "2:1"
//	    shuffle: true
//	    log:
//	      - {kind: fragment, txn: 100}
//	  - hsid: "3:1"
//	expect:
//	  max_txn: 100
//	  outcomes: {"100": commit}
//
// # Telemetry
//
// StartTelemetry exports promotion spans over OTLP (gRPC or HTTP) and serves
// the promotion counters at /metrics when a listen address is configured.
package mprepair

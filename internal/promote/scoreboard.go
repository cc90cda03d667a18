package promote

import (
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
)

// replicaRepair tracks one survivor's progress. expected stays negative
// until a response reveals the survivor's total.
type replicaRepair struct {
	received int
	expected int
}

func newReplicaRepair() *replicaRepair {
	return &replicaRepair{expected: -1}
}

// update applies resp and reports whether the survivor's log is complete.
// Every response restates the total; only payload-bearing responses count
// as received entries.
func (r *replicaRepair) update(resp *messaging.RepairLogResponse) bool {
	if !resp.IsAck() {
		r.received++
	}
	r.expected = int(resp.SequenceTotal)
	return r.logsComplete()
}

func (r *replicaRepair) logsComplete() bool {
	return r.expected >= 0 && r.received == r.expected
}

type scoreboard map[hsid.HSID]*replicaRepair

func newScoreboard(survivors []hsid.HSID) scoreboard {
	s := make(scoreboard, len(survivors))
	for _, id := range survivors {
		s[id] = newReplicaRepair()
	}
	return s
}

func (s scoreboard) allComplete() bool {
	for _, r := range s {
		if !r.logsComplete() {
			return false
		}
	}
	return true
}

func (s scoreboard) pending() []hsid.HSID {
	var out []hsid.HSID
	for id, r := range s {
		if !r.logsComplete() {
			out = append(out, id)
		}
	}
	return hsid.Sorted(out)
}

// replication-manager - Replication Manager Monitoring and CLI for MariaDB and MySQL
// Copyright 2017-2021 SIGNAL18 CLOUD SAS
// Authors: Guillaume Lefranc <guillaume@signal18.io>
//
//	Stephane Varoqui  <svaroqui@gmail.com>
//
// This source code is licensed under the GNU General Public License, version 3.
// Redistribution/Reuse of this code is permitted under the GNU v3 license, as
// an additional term, ALL code must carry the original Author(s) credit in comment form.
// See LICENSE in this directory for the integral text.
package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GtidMode selects how events_ahead treats domains present only in A.
type GtidMode int

const (
	// IGNORE skips domains that exist only on one side.
	IGNORE GtidMode = iota
	// LHSAdd folds every sequence number of a domain found only in A
	// into the result, as if B started that domain from zero.
	LHSAdd
)

// GtidTriplet is a single MariaDB GTID: domain-serverid-sequence.
type GtidTriplet struct {
	Domain   uint64
	ServerID uint64
	Sequence uint64
}

func (t GtidTriplet) String() string {
	return fmt.Sprintf("%d-%d-%d", t.Domain, t.ServerID, t.Sequence)
}

// ParseGtidTriplet parses a single "domain-serverid-sequence" component.
func ParseGtidTriplet(s string) (GtidTriplet, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return GtidTriplet{}, fmt.Errorf("malformed gtid triplet %q", s)
	}
	domain, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return GtidTriplet{}, fmt.Errorf("malformed gtid domain in %q: %w", s, err)
	}
	serverID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return GtidTriplet{}, fmt.Errorf("malformed gtid server-id in %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return GtidTriplet{}, fmt.Errorf("malformed gtid sequence in %q: %w", s, err)
	}
	return GtidTriplet{Domain: domain, ServerID: serverID, Sequence: seq}, nil
}

// GtidList is a domain-keyed set of GtidTriplet, one triplet per domain,
// the way a server reports gtid_current_pos / gtid_binlog_pos.
type GtidList struct {
	byDomain map[uint64]GtidTriplet
}

// NewGtidList builds an empty GtidList.
func NewGtidList() *GtidList {
	return &GtidList{byDomain: make(map[uint64]GtidTriplet)}
}

// ParseGtidList parses a comma-separated gtid_current_pos-style string.
func ParseGtidList(s string) (*GtidList, error) {
	g := NewGtidList()
	s = strings.TrimSpace(s)
	if s == "" {
		return g, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := ParseGtidTriplet(part)
		if err != nil {
			return nil, err
		}
		g.byDomain[t.Domain] = t
	}
	return g, nil
}

// String emits the list sorted by domain ascending, matching the
// server's own gtid_current_pos formatting.
func (g *GtidList) String() string {
	if g == nil || len(g.byDomain) == 0 {
		return ""
	}
	domains := make([]uint64, 0, len(g.byDomain))
	for d := range g.byDomain {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	parts := make([]string, 0, len(domains))
	for _, d := range domains {
		parts = append(parts, g.byDomain[d].String())
	}
	return strings.Join(parts, ",")
}

// Get returns the triplet for a domain and whether it is present.
func (g *GtidList) Get(domain uint64) (GtidTriplet, bool) {
	if g == nil {
		return GtidTriplet{}, false
	}
	t, ok := g.byDomain[domain]
	return t, ok
}

// Set installs or replaces the triplet for its domain.
func (g *GtidList) Set(t GtidTriplet) {
	g.byDomain[t.Domain] = t
}

// Domains returns the sorted list of domains present.
func (g *GtidList) Domains() []uint64 {
	domains := make([]uint64, 0, len(g.byDomain))
	for d := range g.byDomain {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains
}

// Equal is triplet-set equality, per spec.
func (g *GtidList) Equal(other *GtidList) bool {
	if g == nil || other == nil {
		return g == other || (g.Len() == 0 && other.Len() == 0)
	}
	if len(g.byDomain) != len(other.byDomain) {
		return false
	}
	for d, t := range g.byDomain {
		ot, ok := other.byDomain[d]
		if !ok || ot != t {
			return false
		}
	}
	return true
}

// Len reports the number of domains carried.
func (g *GtidList) Len() int {
	if g == nil {
		return 0
	}
	return len(g.byDomain)
}

// EventsAhead computes how many events A is ahead of B.
//
// For every domain present in both, any positive (seq(A) - seq(B)) is
// summed. In LHSAdd mode, domains present only in A contribute their
// full sequence number as if B were starting from zero; in IGNORE mode
// they contribute nothing.
func EventsAhead(a, b *GtidList, mode GtidMode) uint64 {
	var total uint64
	if a == nil {
		return 0
	}
	for domain, at := range a.byDomain {
		bt, ok := b.Get(domain)
		if !ok {
			if mode == LHSAdd {
				total += at.Sequence
			}
			continue
		}
		if at.Sequence > bt.Sequence {
			total += at.Sequence - bt.Sequence
		}
	}
	return total
}

// catchupReference picks which GTID position a migrating replica must
// reach demotion on, per spec §4.7.2's wait-for-catchup comparator rule:
// gtid_binlog_pos is only a safe reference once the demoted primary both
// logs to its binlog and re-logs applied replica events into it
// (log_bin ∧ log_slave_updates); otherwise only gtid_current_pos
// reflects what the server has actually committed.
func catchupReference(demotion *Node) *GtidList {
	if demotion.LogBin && demotion.LogSlaveUpdates {
		return demotion.GtidBinlogPos
	}
	return demotion.GtidCurrentPos
}

// CanReplicateFrom reports whether self could replicate from master
// without losing transactions, i.e. self is not ahead of master on any
// shared domain.
func CanReplicateFrom(self, master *GtidList) bool {
	return EventsAhead(self, master, IGNORE) == 0
}

// gtidSlaveSeedPos formats the gtid_slave_pos reset-replication seeds
// on the new primary before promoting it, spec §4.7.4:
// "<domain>-<newPrimaryServerId>-0".
func gtidSlaveSeedPos(domain, serverID uint64) string {
	return GtidTriplet{Domain: domain, ServerID: serverID, Sequence: 0}.String()
}

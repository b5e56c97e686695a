package cluster

import "testing"

func TestGtidEventsAheadS3(t *testing.T) {
	a, err := ParseGtidList("1-2-3,2-3-4")
	if err != nil {
		t.Fatalf("parse A: %v", err)
	}
	b, err := ParseGtidList("1-2-3")
	if err != nil {
		t.Fatalf("parse B: %v", err)
	}
	if got := EventsAhead(a, b, IGNORE); got != 0 {
		t.Fatalf("events_ahead(A,B,IGNORE) = %d, want 0", got)
	}
	if got := EventsAhead(a, b, LHSAdd); got != 4 {
		t.Fatalf("events_ahead(A,B,LHS_ADD) = %d, want 4", got)
	}
}

func TestGtidEventsAheadSelfIsZero(t *testing.T) {
	a, _ := ParseGtidList("1-2-3,5-6-10")
	if got := EventsAhead(a, a, IGNORE); got != 0 {
		t.Fatalf("events_ahead(A,A,IGNORE) = %d, want 0", got)
	}
}

func TestGtidEventsAheadLHSAddGreaterOrEqual(t *testing.T) {
	a, _ := ParseGtidList("1-2-10,2-3-5")
	b, _ := ParseGtidList("1-2-3")
	ignore := EventsAhead(a, b, IGNORE)
	lhs := EventsAhead(a, b, LHSAdd)
	if lhs < ignore {
		t.Fatalf("events_ahead LHS_ADD (%d) < IGNORE (%d)", lhs, ignore)
	}
}

func TestGtidParseEmitRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"1-2-3",
		"1-2-3,2-5-9",
		"5-1-100,1-1-1,3-2-50",
	}
	for _, c := range cases {
		g, err := ParseGtidList(c)
		if err != nil {
			t.Fatalf("parse(%q): %v", c, err)
		}
		g2, err := ParseGtidList(g.String())
		if err != nil {
			t.Fatalf("reparse(%q): %v", g.String(), err)
		}
		if !g.Equal(g2) {
			t.Fatalf("round trip mismatch for %q: got %q", c, g.String())
		}
	}
}

func TestGtidEmitSortedByDomain(t *testing.T) {
	g, _ := ParseGtidList("5-1-1,1-1-1,3-1-1")
	if got, want := g.String(), "1-1-1,3-1-1,5-1-1"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCanReplicateFrom(t *testing.T) {
	master, _ := ParseGtidList("1-2-10")
	behind, _ := ParseGtidList("1-2-3")
	ahead, _ := ParseGtidList("1-2-11")

	if !CanReplicateFrom(behind, master) {
		t.Fatalf("a replica behind master should be able to replicate from it")
	}
	if CanReplicateFrom(ahead, master) {
		t.Fatalf("a replica ahead of master should not be able to replicate from it")
	}
}

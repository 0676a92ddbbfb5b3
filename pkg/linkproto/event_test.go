package linkproto

import "testing"

func TestRank(t *testing.T) {
	cases := []struct {
		ev       Event
		rank     int
		terminal bool
	}{
		{nil, 0, false},
		{Scanned{}, 1, false},
		{Linked{}, 2, true},
		{Rejected{}, 2, true},
		{Expired{}, 2, true},
		{Revoked{}, 3, true},
	}
	for _, tc := range cases {
		if got := Rank(tc.ev); got != tc.rank {
			t.Fatalf("Rank(%T) = %d, want %d", tc.ev, got, tc.rank)
		}
		if got := IsTerminal(tc.ev); got != tc.terminal {
			t.Fatalf("IsTerminal(%T) = %v, want %v", tc.ev, got, tc.terminal)
		}
	}
}

func TestEventFromView(t *testing.T) {
	if ev := EventFromView(SessionView{Token: "t", Status: StatusPending}); ev != nil {
		t.Fatalf("pending should map to nil, got %T", ev)
	}

	ev := EventFromView(SessionView{Token: "t", Status: StatusScanned, Principal: &Principal{ID: "u"}})
	scanned, ok := ev.(Scanned)
	if !ok || scanned.Principal.ID != "u" {
		t.Fatalf("unexpected %#v", ev)
	}

	ev = EventFromView(SessionView{
		Token:       "t",
		Status:      StatusLinked,
		Principal:   &Principal{ID: "u"},
		Device:      &DeviceMetadata{Name: "laptop"},
		AccessToken: "cred",
	})
	linked, ok := ev.(Linked)
	if !ok || linked.Device.Name != "laptop" || linked.AccessToken != "cred" {
		t.Fatalf("unexpected %#v", ev)
	}

	if _, ok := EventFromView(SessionView{Token: "t", Status: StatusRejected}).(Rejected); !ok {
		t.Fatalf("rejected view should map to Rejected")
	}
	if _, ok := EventFromView(SessionView{Token: "t", Status: StatusExpired}).(Expired); !ok {
		t.Fatalf("expired view should map to Expired")
	}
}

func TestRedact(t *testing.T) {
	ev := Redact(Linked{Token: "t", Principal: Principal{ID: "u"}, AccessToken: "cred"})
	linked, ok := ev.(Linked)
	if !ok || linked.AccessToken != "" || linked.Principal.ID != "u" {
		t.Fatalf("unexpected %#v", ev)
	}
	if got := Redact(Scanned{Token: "t"}); got != (Scanned{Token: "t"}) {
		t.Fatalf("Redact changed a non-linked event: %#v", got)
	}
	if Redact(nil) != nil {
		t.Fatalf("Redact(nil) should be nil")
	}
}

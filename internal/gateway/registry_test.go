package gateway

import (
	"sort"
	"testing"

	"golang.org/x/time/rate"
)

func testRegistryConn(token string, userID int64) *conn {
	return newConn(token, Identity{UserID: userID, Username: "u"}, nil, 8, rate.Inf, 1)
}

func TestRegistry_AdmitAndRemove(t *testing.T) {
	r := NewRegistry()
	c1 := testRegistryConn("t1", 1)
	c2 := testRegistryConn("t2", 1)

	r.admit(c1)
	r.admit(c2)

	if !r.isOnline(1) {
		t.Error("Expected user 1 online after admission")
	}

	res := r.remove("t1")
	if !res.found {
		t.Error("Expected first removal to find the handle")
	}
	if res.lastOfUser {
		t.Error("Expected user to remain online with a second connection")
	}
	if !r.isOnline(1) {
		t.Error("Expected user 1 still online")
	}

	res = r.remove("t2")
	if !res.found || !res.lastOfUser {
		t.Errorf("Expected last removal to report lastOfUser, got %+v", res)
	}
	if r.isOnline(1) {
		t.Error("Expected user 1 offline after last removal")
	}
}

func TestRegistry_RemoveTwiceIsNoop(t *testing.T) {
	r := NewRegistry()
	c := testRegistryConn("t1", 1)
	r.admit(c)

	if res := r.remove("t1"); !res.found {
		t.Error("Expected first removal to succeed")
	}
	if res := r.remove("t1"); res.found {
		t.Error("Expected second removal to be a no-op")
	}
}

func TestRegistry_SubscriptionsDroppedWithLastConnection(t *testing.T) {
	r := NewRegistry()
	c1 := testRegistryConn("t1", 1)
	c2 := testRegistryConn("t2", 1)
	r.admit(c1)
	r.admit(c2)

	r.subscribe(1, 7)
	r.subscribe(1, 8)

	if !r.isSubscribed(1, 7) {
		t.Fatal("Expected subscription to chat 7")
	}

	r.remove("t1")
	if !r.isSubscribed(1, 7) {
		t.Error("Expected subscriptions to survive while a connection remains")
	}

	r.remove("t2")
	if r.isSubscribed(1, 7) || r.isSubscribed(1, 8) {
		t.Error("Expected all subscriptions dropped with the last connection")
	}
	if got := r.membersInterested(7); got != nil {
		t.Errorf("Expected no interested members after removal, got %v", got)
	}
}

func TestRegistry_SubscribeWithoutConnectionIsNoop(t *testing.T) {
	r := NewRegistry()

	r.subscribe(1, 7)

	if r.isSubscribed(1, 7) {
		t.Error("Expected subscribe without a live connection to be rejected")
	}
}

func TestRegistry_UnsubscribeUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	c := testRegistryConn("t1", 1)
	r.admit(c)

	r.unsubscribe(1, 99)

	if r.isSubscribed(1, 99) {
		t.Error("Expected no subscription")
	}
}

func TestRegistry_MembersInterested(t *testing.T) {
	r := NewRegistry()
	r.admit(testRegistryConn("t1", 1))
	r.admit(testRegistryConn("t2", 2))
	r.admit(testRegistryConn("t3", 3))

	r.subscribe(1, 7)
	r.subscribe(2, 7)
	r.subscribe(3, 8)

	got := r.membersInterested(7)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Expected members [1 2], got %v", got)
	}
}

func TestRegistry_ConnsForUsersExcludesUser(t *testing.T) {
	r := NewRegistry()
	c1 := testRegistryConn("t1", 1)
	c2 := testRegistryConn("t2", 2)
	c3 := testRegistryConn("t3", 2)
	r.admit(c1)
	r.admit(c2)
	r.admit(c3)

	got := r.connsForUsers([]int64{1, 2}, 1)
	if len(got) != 2 {
		t.Fatalf("Expected the two connections of user 2, got %d", len(got))
	}
	for _, c := range got {
		if c.identity.UserID == 1 {
			t.Error("Expected excluded user's connections to be skipped")
		}
	}
}

func TestRegistry_SafeSendAfterRemoval(t *testing.T) {
	r := NewRegistry()
	c := testRegistryConn("t1", 1)
	r.admit(c)
	r.remove("t1")

	// The send channel is closed by remove; safeSend must not panic.
	if r.safeSend(c, []byte("data")) {
		t.Error("Expected safeSend to fail for a removed connection")
	}
}

func TestRegistry_LocalPresence(t *testing.T) {
	r := NewRegistry()
	r.admit(testRegistryConn("t1", 1))
	r.admit(testRegistryConn("t2", 1))
	r.admit(testRegistryConn("t3", 2))

	got := r.localPresence()
	if got[1].count != 2 {
		t.Errorf("Expected 2 local connections for user 1, got %d", got[1].count)
	}
	if got[2].count != 1 {
		t.Errorf("Expected 1 local connection for user 2, got %d", got[2].count)
	}
}

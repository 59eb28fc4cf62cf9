package lcm_test

import (
	"testing"
	"time"

	"github.com/martian-engineering/lcm/internal/lcm"
)

func TestExpansionRegistry_AuthorizeExpand_Success(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 1000, time.Hour)

	effective, err := reg.AuthorizeExpand("sub-1", 42, 500, lcm.DelegatedExpansionContext{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if effective != 500 {
		t.Fatalf("expected effective cap 500, got %d", effective)
	}

	_, _, _, success := reg.Counters()
	if success != 1 {
		t.Fatalf("expected 1 success counted, got %d", success)
	}
}

func TestExpansionRegistry_AuthorizeExpand_DepthBlocksRecursion(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 1000, time.Hour)

	_, err := reg.AuthorizeExpand("sub-1", 42, 100, lcm.DelegatedExpansionContext{RequestID: "req-2", ExpansionDepth: 1})
	if err == nil {
		t.Fatal("expected a recursion-blocked error at expansion_depth=1")
	}
}

func TestExpansionRegistry_AuthorizeExpand_OutOfScopeConversation(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 1000, time.Hour)

	_, err := reg.AuthorizeExpand("sub-1", 999, 100, lcm.DelegatedExpansionContext{RequestID: "req-3"})
	if err == nil {
		t.Fatal("expected an out-of-scope-conversation error")
	}
}

func TestExpansionRegistry_AuthorizeExpand_UnknownSession(t *testing.T) {
	reg := lcm.NewExpansionRegistry()

	_, err := reg.AuthorizeExpand("never-issued", 42, 100, lcm.DelegatedExpansionContext{RequestID: "req-4"})
	if err == nil {
		t.Fatal("expected an unresolvable-session error for a grant that was never issued")
	}
}

func TestExpansionRegistry_Revoke_BlocksFurtherUse(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 1000, time.Hour)
	reg.Revoke("sub-1")

	_, err := reg.AuthorizeExpand("sub-1", 42, 100, lcm.DelegatedExpansionContext{RequestID: "req-5"})
	if err == nil {
		t.Fatal("expected a revoked-grant error after Revoke")
	}

	// Revocation is idempotent.
	reg.Revoke("sub-1")
}

func TestExpansionRegistry_TokenCapDecrementsAcrossCalls(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 300, time.Hour)

	first, err := reg.AuthorizeExpand("sub-1", 42, 200, lcm.DelegatedExpansionContext{RequestID: "req-6"})
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if first != 200 {
		t.Fatalf("expected first effective cap 200, got %d", first)
	}

	second, err := reg.AuthorizeExpand("sub-1", 42, 200, lcm.DelegatedExpansionContext{RequestID: "req-7"})
	if err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if second != 100 {
		t.Fatalf("expected second effective cap clamped to remaining 100, got %d", second)
	}
}

func TestExpansionRegistry_GrantExpiresAfterTTL(t *testing.T) {
	reg := lcm.NewExpansionRegistry()
	reg.Issue("sub-1", "main", []int64{42}, 1000, time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, err := reg.AuthorizeExpand("sub-1", 42, 100, lcm.DelegatedExpansionContext{RequestID: "req-8"})
	if err == nil {
		t.Fatal("expected an expired-grant error after the TTL elapses")
	}
}

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

func TestCreate_OneOpenConversationPerTuple(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	cust := uuid.New()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := stores.Conversations.Create(ctx, &store.Conversation{
				TenantID: "t1", CustomerID: &cust, Channel: store.ChannelWeb,
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected a single open conversation, got %s and %s", ids[0], id)
		}
	}

	// A different channel gets its own conversation.
	other, err := stores.Conversations.Create(ctx, &store.Conversation{
		TenantID: "t1", CustomerID: &cust, Channel: store.ChannelGateway,
	})
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	if other.ID == ids[0] {
		t.Fatal("gateway conversation must not share the web conversation")
	}
}

func TestCreate_AfterCloseOpensNew(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	cust := uuid.New()

	first, _ := stores.Conversations.Create(ctx, &store.Conversation{TenantID: "t1", CustomerID: &cust, Channel: store.ChannelWeb})
	first.Status = store.StatusClosed
	if err := stores.Conversations.Update(ctx, first, first.Version); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := stores.Conversations.FindOpen(ctx, "t1", cust, store.ChannelWeb); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("FindOpen after close: got %v, want ErrNotFound", err)
	}
	second, _ := stores.Conversations.Create(ctx, &store.Conversation{TenantID: "t1", CustomerID: &cust, Channel: store.ChannelWeb})
	if second.ID == first.ID {
		t.Fatal("closed conversation must not be reused")
	}
}

func TestUpdate_VersionConflict(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	cust := uuid.New()
	conv, _ := stores.Conversations.Create(ctx, &store.Conversation{TenantID: "t1", CustomerID: &cust, Channel: store.ChannelWeb})

	a := conv.Clone()
	b := conv.Clone()

	a.Status = store.StatusLiveQueue
	if err := stores.Conversations.Update(ctx, a, conv.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != conv.Version+1 {
		t.Errorf("version = %d, want %d", a.Version, conv.Version+1)
	}

	b.Status = store.StatusEscalated
	if err := stores.Conversations.Update(ctx, b, conv.Version); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}

	got, _ := stores.Conversations.Get(ctx, conv.ID)
	if got.Status != store.StatusLiveQueue {
		t.Errorf("status = %s, want live_queue", got.Status)
	}
}

func TestUpdate_RejectsInvalidMetadata(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	cust := uuid.New()
	conv, _ := stores.Conversations.Create(ctx, &store.Conversation{TenantID: "t1", CustomerID: &cust, Channel: store.ChannelGateway})

	conv.Metadata.HandoffSubStatus = store.HandoffPendingOwner // missing notified_at
	if err := stores.Conversations.Update(ctx, conv, conv.Version); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMessages_OrderAndSince(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	convID := uuid.New()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	appendAt := func(role store.Role, text string, at time.Time) store.Message {
		m := store.Message{ConversationID: convID, Role: role, Content: text, CreatedAt: at}
		if err := stores.Messages.Append(ctx, &m); err != nil {
			t.Fatalf("append: %v", err)
		}
		return m
	}
	appendAt(store.RoleCustomer, "hi", base)
	a1 := appendAt(store.RoleAssistant, "hello", base.Add(time.Second))
	a2 := appendAt(store.RoleSystem, "same tick", base.Add(time.Second))
	appendAt(store.RoleAssistant, "earlier", base.Add(500*time.Millisecond))

	got, err := stores.Messages.ListSince(ctx, convID, base.Add(time.Second), store.OutboundRoles)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSince returned %d messages, want 2 (inclusive bound)", len(got))
	}
	seen := map[uuid.UUID]bool{got[0].ID: true, got[1].ID: true}
	if !seen[a1.ID] || !seen[a2.ID] {
		t.Errorf("ListSince missing same-tick messages: %+v", got)
	}

	all, _ := stores.Messages.ListAfter(ctx, convID, nil, 0)
	for i := 1; i < len(all); i++ {
		if all[i].Before(all[i-1]) {
			t.Fatalf("log out of order at %d", i)
		}
	}
	if all[1].Content != "earlier" {
		t.Errorf("late insert not ordered by created_at: %q", all[1].Content)
	}

	rest, _ := stores.Messages.ListAfter(ctx, convID, &all[1].ID, 10)
	if len(rest) != 2 {
		t.Errorf("ListAfter returned %d, want 2", len(rest))
	}
}

func TestMessages_DuplicateExternalID(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	convID := uuid.New()

	m1 := store.Message{ConversationID: convID, Role: store.RoleCustomer, Content: "x", ExternalID: "SM1"}
	if err := stores.Messages.Append(ctx, &m1); err != nil {
		t.Fatalf("append: %v", err)
	}
	m2 := store.Message{ConversationID: convID, Role: store.RoleCustomer, Content: "x", ExternalID: "SM1"}
	if err := stores.Messages.Append(ctx, &m2); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestListByTenant_UnreadAndMarkRead(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	cust, _ := stores.Customers.Upsert(ctx, &store.Customer{TenantID: "t1", Channel: store.ChannelWeb, Address: "tok", DisplayName: "Web visitor"})
	conv, _ := stores.Conversations.Create(ctx, &store.Conversation{TenantID: "t1", CustomerID: &cust.ID, Channel: store.ChannelWeb})

	for _, text := range []string{"a", "b"} {
		m := store.Message{ConversationID: conv.ID, Role: store.RoleCustomer, Content: text}
		_ = stores.Messages.Append(ctx, &m)
	}

	list, _ := stores.Conversations.ListByTenant(ctx, "t1", store.ConversationListOpts{})
	if len(list) != 1 {
		t.Fatalf("list len = %d, want 1", len(list))
	}
	if list[0].UnreadCount != 2 || list[0].CustomerName != "Web visitor" || list[0].LastMessage == nil {
		t.Errorf("unexpected summary: %+v", list[0])
	}

	_ = stores.Messages.MarkRead(ctx, conv.ID, store.RoleCustomer, time.Now())
	list, _ = stores.Conversations.ListByTenant(ctx, "t1", store.ConversationListOpts{})
	if list[0].UnreadCount != 0 {
		t.Errorf("unread after MarkRead = %d", list[0].UnreadCount)
	}
}

func TestCustomerUpsert_Idempotent(t *testing.T) {
	stores, _ := New()
	ctx := context.Background()
	a, _ := stores.Customers.Upsert(ctx, &store.Customer{TenantID: "t1", Channel: store.ChannelGateway, Address: "+4915112345678"})
	b, _ := stores.Customers.Upsert(ctx, &store.Customer{TenantID: "t1", Channel: store.ChannelGateway, Address: "+4915112345678"})
	if a.ID != b.ID {
		t.Fatal("upsert created a duplicate customer")
	}
	if a.OptInStatus != store.OptInUnknown {
		t.Errorf("default opt-in = %s", a.OptInStatus)
	}
}

package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
	"github.com/goldman123123/hebelki.de-sub005/internal/store/memory"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"+49 151 1234 5678", "+4915112345678", false},
		{"whatsapp:+4915112345678", "+4915112345678", false},
		{"0049-151-12345678", "+4915112345678", false},
		{"0151 12345678", "+4915112345678", false},
		{"(0151) 123/45678", "+4915112345678", false},
		{"4915112345678", "+4915112345678", false},
		{"+1 (415) 555-0100", "+14155550100", false},
		{"+49 (0)171 1234567", "+491711234567", false},
		{"+49 171 1234567", "+491711234567", false},
		{"12345", "", true},
		{"+49abc", "", true},
		{"", "", true},
		{"+0123456789", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw, "49")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("error not ErrInvalidAddress: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizePhone_TrunkZeroSameIdentity(t *testing.T) {
	forms := []string{"+49 (0)171 1234567", "+49 171 1234567", "0171 1234567", "0049 (0)171 1234567"}
	seen := map[string]bool{}
	for _, raw := range forms {
		got, err := NormalizePhone(raw, "49")
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		seen[got] = true
	}
	if len(seen) != 1 {
		t.Errorf("one subscriber normalized to %d identities: %v", len(seen), seen)
	}
}

func TestNormalizePhone_NoCountryCode(t *testing.T) {
	if _, err := NormalizePhone("0171 1234567", ""); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("national number without country code: err = %v", err)
	}
	if got, err := NormalizePhone("+49 171 1234567", ""); err != nil || got != "+491711234567" {
		t.Errorf("international number without default: %q, %v", got, err)
	}
}

func TestNormalize_Web(t *testing.T) {
	if got, err := Normalize(store.ChannelWeb, "  abc123  ", "49"); err != nil || got != "abc123" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := Normalize(store.ChannelWeb, "has space", "49"); err == nil {
		t.Error("expected error for token with whitespace")
	}
}

func TestResolve_ConcurrentSingleCustomer(t *testing.T) {
	stores, _ := memory.New()
	r := NewResolver(stores.Customers, func() string { return "49" })
	ctx := context.Background()

	raws := []string{"+4915112345678", "whatsapp:+4915112345678", "0151 12345678", "0049 151 12345678"}
	ids := make(chan string, len(raws)*5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, raw := range raws {
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				c, err := r.Resolve(ctx, store.ChannelGateway, raw, "salon-1")
				if err != nil {
					t.Errorf("resolve %q: %v", raw, err)
					return
				}
				ids <- c.ID.String()
			}(raw)
		}
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one customer, got %d", len(seen))
	}
}

func TestResolve_TenantIsolation(t *testing.T) {
	stores, _ := memory.New()
	r := NewResolver(stores.Customers, func() string { return "49" })
	ctx := context.Background()
	a, _ := r.Resolve(ctx, store.ChannelGateway, "+4915112345678", "salon-1")
	b, _ := r.Resolve(ctx, store.ChannelGateway, "+4915112345678", "salon-2")
	if a.ID == b.ID {
		t.Fatal("same address in two tenants must map to two customers")
	}
	if a.DisplayName != "+4915112345678" {
		t.Errorf("display name = %q", a.DisplayName)
	}
}

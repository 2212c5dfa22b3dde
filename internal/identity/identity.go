// Package identity maps raw channel addresses to stable customer records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// ErrInvalidAddress is returned for addresses that cannot be normalized.
var ErrInvalidAddress = errors.New("invalid channel address")

const maxWebTokenLen = 128

// NormalizePhone converts a phone number to E.164. Provider prefixes such as
// "whatsapp:" are dropped, "00" becomes "+", and national numbers are parsed
// in the region of defaultCountryCode. A trunk zero written as "+49 (0)171"
// is removed by the parser.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:] // whatsapp:, sms:, tel:
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '/':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
	}
	n := b.String()

	region := regionFor(defaultCountryCode)
	switch {
	case n == "" || n == "+":
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	case strings.HasPrefix(n, "+"):
	case strings.HasPrefix(n, "00"):
		n = "+" + n[2:]
	case strings.HasPrefix(n, "0"):
		if region == "" {
			return "", fmt.Errorf("%w: national number without country code: %q", ErrInvalidAddress, raw)
		}
	default:
		n = "+" + n
	}

	num, err := phonenumbers.Parse(n, region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// regionFor maps a calling code such as "49" to its main region ("DE").
func regionFor(countryCode string) string {
	cc, err := strconv.Atoi(strings.TrimPrefix(countryCode, "+"))
	if err != nil {
		return ""
	}
	if r := phonenumbers.GetRegionCodeForCountryCode(cc); r != "ZZ" {
		return r
	}
	return ""
}

// Normalize returns the canonical address for a channel.
func Normalize(channel store.Channel, raw, defaultCountryCode string) (string, error) {
	switch channel {
	case store.ChannelGateway:
		return NormalizePhone(raw, defaultCountryCode)
	case store.ChannelWeb:
		tok := strings.TrimSpace(raw)
		if tok == "" || len(tok) > maxWebTokenLen || strings.ContainsAny(tok, " \t\r\n") {
			return "", fmt.Errorf("%w: web session token", ErrInvalidAddress)
		}
		return tok, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidAddress, channel)
}

// DisplayName derives a placeholder name from a normalized address.
func DisplayName(channel store.Channel, address string) string {
	if channel == store.ChannelGateway {
		return address
	}
	if len(address) > 6 {
		address = address[:6]
	}
	return "Web-Besucher " + address
}

// Resolver resolves (channel, raw address, tenant) to a customer, creating it on first contact.
type Resolver struct {
	customers          store.CustomerStore
	defaultCountryCode func() string
}

// NewResolver creates a Resolver. countryCode is consulted per call so config
// reloads take effect.
func NewResolver(customers store.CustomerStore, countryCode func() string) *Resolver {
	return &Resolver{customers: customers, defaultCountryCode: countryCode}
}

// Resolve normalizes rawAddress and upserts the customer. Safe under
// concurrent calls for the same address.
func (r *Resolver) Resolve(ctx context.Context, channel store.Channel, rawAddress, tenantID string) (*store.Customer, error) {
	addr, err := Normalize(channel, rawAddress, r.defaultCountryCode())
	if err != nil {
		return nil, err
	}
	c, err := r.customers.Upsert(ctx, &store.Customer{
		TenantID:    tenantID,
		Channel:     channel,
		Address:     addr,
		DisplayName: DisplayName(channel, addr),
		OptInStatus: store.OptInUnknown,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}
	return c, nil
}

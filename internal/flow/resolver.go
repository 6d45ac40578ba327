// Package flow provides the phone identity resolver.
package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/store"
)

// Resolver configuration constants.
const (
	// DefaultCountryCode is the country-code prefix assumed for inbound
	// channel addresses.
	DefaultCountryCode = "55"
	// DefaultNationalNumberLength is the expected length of a national
	// number without the country code.
	DefaultNationalNumberLength = 11
	// SuffixMatchLength is the number of trailing digits used by the
	// last-resort suffix lookup.
	SuffixMatchLength = 9
)

var nonDigitRegex = regexp.MustCompile(`\D`)

// Resolver matches inbound channel addresses to their owning Conversation,
// creating an idle conversation when none exists. Messaging clients and
// carriers are inconsistent about country-code prefixes, so the lookup
// falls back through canonical, prefixed, and suffix forms.
type Resolver struct {
	store                store.Store
	clock                Clock
	countryCode          string
	nationalNumberLength int
}

// NewResolver creates a Resolver with the default country-code settings.
func NewResolver(st store.Store, clock Clock) *Resolver {
	return &Resolver{
		store:                st,
		clock:                clock,
		countryCode:          DefaultCountryCode,
		nationalNumberLength: DefaultNationalNumberLength,
	}
}

// Canonicalize strips non-digit characters and removes a country-code
// prefix when the remaining number is longer than the national form.
func (r *Resolver) Canonicalize(raw string) (string, error) {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return "", models.ErrEmptyAddress
	}
	if len(digits) > r.nationalNumberLength && strings.HasPrefix(digits, r.countryCode) {
		digits = digits[len(r.countryCode):]
	}
	return digits, nil
}

// Resolve locates the Conversation owning the given raw channel address,
// creating a new idle conversation when no lookup rule matches. When a
// patient id is supplied and the conversation has none, the association is
// made; an existing association is never overwritten.
func (r *Resolver) Resolve(rawAddress, patientID string) (*models.Conversation, error) {
	canonical, err := r.Canonicalize(rawAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid channel address %q: %w", rawAddress, err)
	}

	conv, err := r.lookup(canonical)
	if err != nil {
		return nil, err
	}

	if conv == nil {
		now := r.clock.Now()
		conv = &models.Conversation{
			ID:             uuid.NewString(),
			ChannelAddress: canonical,
			State:          models.StateIdle,
			Context:        models.ClearedContext(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.store.CreateConversation(*conv); err != nil {
			return nil, fmt.Errorf("failed to create conversation for %s: %w", canonical, err)
		}
		slog.Info("Resolver created conversation", "conversationID", conv.ID, "address", canonical)
	}

	if patientID != "" && conv.PatientID == "" {
		if err := r.store.SetConversationPatient(conv.ID, patientID); err != nil {
			return nil, fmt.Errorf("failed to associate patient: %w", err)
		}
		conv.PatientID = patientID
		slog.Debug("Resolver associated patient", "conversationID", conv.ID, "patientID", patientID)
	}

	return conv, nil
}

// Find returns the conversation matching the raw address, or nil when no
// lookup rule matches. Unlike Resolve it never creates one.
func (r *Resolver) Find(rawAddress string) (*models.Conversation, error) {
	canonical, err := r.Canonicalize(rawAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid channel address %q: %w", rawAddress, err)
	}
	return r.lookup(canonical)
}

// lookup applies the matching chain: exact canonical, canonical with the
// country code re-applied, then last-9-digit suffix. The first hit wins.
func (r *Resolver) lookup(canonical string) (*models.Conversation, error) {
	conv, err := r.store.GetConversationByAddress(canonical)
	if err != nil {
		return nil, fmt.Errorf("conversation lookup failed: %w", err)
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = r.store.GetConversationByAddress(r.countryCode + canonical)
	if err != nil {
		return nil, fmt.Errorf("prefixed conversation lookup failed: %w", err)
	}
	if conv != nil {
		slog.Debug("Resolver matched prefixed address", "conversationID", conv.ID)
		return conv, nil
	}

	if len(canonical) >= SuffixMatchLength {
		suffix := canonical[len(canonical)-SuffixMatchLength:]
		conv, err = r.store.FindConversationByAddressSuffix(suffix)
		if err != nil {
			return nil, fmt.Errorf("suffix conversation lookup failed: %w", err)
		}
		if conv != nil {
			slog.Debug("Resolver matched address suffix", "conversationID", conv.ID, "suffix", suffix)
			return conv, nil
		}
	}

	return nil, nil
}

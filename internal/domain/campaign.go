package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus mirrors the registration subsystem's lifecycle states.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignSuspended CampaignStatus = "suspended"
	CampaignPending   CampaignStatus = "pending"
)

// UseCase tags a campaign with its registered messaging purpose.
type UseCase string

const (
	UseCaseMarketing    UseCase = "marketing"
	UseCaseNotification UseCase = "notification"
	UseCaseTwoFactor    UseCase = "two_factor"
	UseCaseAccountAlert UseCase = "account_alert"
)

// ContentCategory labels regulated message content detected by the
// content-policy classifier.
type ContentCategory string

const (
	CategoryLending     ContentCategory = "lending"
	CategoryGambling    ContentCategory = "gambling"
	CategorySweepstakes ContentCategory = "sweepstakes"
	CategoryCannabis    ContentCategory = "cannabis"
)

// Campaign is a read-only projection of the registration subsystem's
// record. The dispatch engine never mutates it; the trust-score derived
// rate and caps arrive already computed.
type Campaign struct {
	ID             uuid.UUID
	Name           string
	Status         CampaignStatus
	UseCase        UseCase
	RatePerSecond  float64 // Trust-score derived steady throughput
	Burst          int     // Token bucket capacity
	DailyCap       int     // 0 means uncapped
	MonthlyCap     int     // 0 means uncapped
	QuietExempt    bool    // Use case exempt from quiet-hours window (e.g. auth codes)
	GlobalOptOut   bool    // STOP suppresses across all campaigns, not just this one
	AuthorizedFor  []ContentCategory
	Timezone       string  // IANA name; quiet hours and cap resets are evaluated here
	PerSegmentRate float64 // Price charged per billed segment
	SenderNumber   string  // The 10DLC number this campaign sends from
	CreatedAt      time.Time
}

// Location resolves the campaign's configured timezone, falling back to
// UTC when the name is absent or unknown.
func (c Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Authorized reports whether the campaign is registered to send content
// in the given category.
func (c Campaign) Authorized(cat ContentCategory) bool {
	for _, a := range c.AuthorizedFor {
		if a == cat {
			return true
		}
	}
	return false
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OptOutScope bounds which traffic a suppression entry blocks.
type OptOutScope string

const (
	ScopeCampaign OptOutScope = "campaign"
	ScopeGlobal   OptOutScope = "global"
)

// OptOutMethod records how a suppression entry originated.
type OptOutMethod string

const (
	MethodKeyword OptOutMethod = "keyword" // Inbound STOP-class message
	MethodManual  OptOutMethod = "manual"  // Operator action
	MethodAPI     OptOutMethod = "api"
)

// OptOutEntry suppresses outbound traffic to a phone number. Unique per
// (phone, scope); campaign-scoped entries additionally carry the campaign
// id. A global entry blocks every campaign.
type OptOutEntry struct {
	Phone      string
	Scope      OptOutScope
	CampaignID uuid.UUID // uuid.Nil for global scope
	Method     OptOutMethod
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Active reports whether the entry suppresses traffic at the given instant.
func (e OptOutEntry) Active(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

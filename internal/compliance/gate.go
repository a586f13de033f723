// Package compliance implements the synchronous admission gate: consent,
// campaign status, quiet hours, and content policy, checked in order with
// the first failure short-circuiting.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"
)

// Reason identifies why the gate rejected a message.
type Reason string

const (
	ReasonCampaignInactive  Reason = "CAMPAIGN_INACTIVE"
	ReasonOptedOut          Reason = "OPTED_OUT"
	ReasonOutsideWindow     Reason = "OUTSIDE_WINDOW"
	ReasonProhibitedContent Reason = "PROHIBITED_CONTENT"
)

// Decision is the gate's verdict for one candidate message. Rejections are
// non-retryable by the system; the caller must remediate.
type Decision struct {
	Allowed   bool
	Reason    Reason
	DecidedAt time.Time
}

// Window is the permitted local sending window, evaluated in the
// campaign's configured timezone.
type Window struct {
	StartHour int // Inclusive
	EndHour   int // Exclusive
}

// DefaultWindow is the carrier-mandated quiet-hours complement.
var DefaultWindow = Window{StartHour: 8, EndHour: 21}

// Contains reports whether t (converted to loc) falls inside the window.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	h := t.In(loc).Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Classifier detects regulated content categories in a message body.
type Classifier interface {
	// Classify returns the matched category, or ok=false for clean content.
	Classify(body string) (domain.ContentCategory, bool)
}

// Gate runs the ordered admission checks. It is a pure decision; the only
// side effect is the audit record written for every verdict.
type Gate struct {
	optouts    ports.OptOutRepository
	audit      ports.AdmissionAuditStore
	classifier Classifier
	window     Window
	log        *slog.Logger

	// Now is injectable for tests and defaults to time.Now UTC.
	Now func() time.Time
}

// NewGate wires the gate with its collaborators.
func NewGate(optouts ports.OptOutRepository, audit ports.AdmissionAuditStore, classifier Classifier, window Window, log *slog.Logger) *Gate {
	return &Gate{
		optouts:    optouts,
		audit:      audit,
		classifier: classifier,
		window:     window,
		log:        log,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Admit evaluates the candidate message against the campaign's rules at the
// requested send time. The returned error is reserved for infrastructure
// failures; policy rejections come back as a Decision.
func (g *Gate) Admit(ctx context.Context, campaign domain.Campaign, msg domain.Message, sendAt time.Time) (Decision, error) {
	decision, err := g.decide(ctx, campaign, msg, sendAt)
	if err != nil {
		return Decision{}, err
	}

	record := ports.AdmissionRecord{
		MessageID:  msg.ID,
		CampaignID: campaign.ID,
		To:         msg.To,
		Allowed:    decision.Allowed,
		Reason:     string(decision.Reason),
		DecidedAt:  decision.DecidedAt,
	}
	if err := g.audit.RecordAdmission(ctx, record); err != nil {
		return Decision{}, fmt.Errorf("record admission: %w", err)
	}

	if !decision.Allowed {
		g.log.Info("admission rejected",
			"msg_id", msg.ID, "campaign_id", campaign.ID, "reason", decision.Reason)
	}
	return decision, nil
}

func (g *Gate) decide(ctx context.Context, campaign domain.Campaign, msg domain.Message, sendAt time.Time) (Decision, error) {
	decision := Decision{DecidedAt: g.Now()}

	if campaign.Status != domain.CampaignActive {
		decision.Reason = ReasonCampaignInactive
		return decision, nil
	}

	optedOut, err := g.optouts.IsOptedOut(ctx, msg.To, campaign.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("opt-out lookup: %w", err)
	}
	if optedOut {
		decision.Reason = ReasonOptedOut
		return decision, nil
	}

	if !campaign.QuietExempt && !g.window.Contains(sendAt, campaign.Location()) {
		decision.Reason = ReasonOutsideWindow
		return decision, nil
	}

	if cat, ok := g.classifier.Classify(msg.Body); ok && !campaign.Authorized(cat) {
		decision.Reason = ReasonProhibitedContent
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

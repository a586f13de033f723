package compliance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOptOuts struct {
	suppressed map[string]bool
	err        error
}

func (f *fakeOptOuts) UpsertOptOut(context.Context, domain.OptOutEntry) error { return nil }
func (f *fakeOptOuts) ReleaseOptOut(context.Context, string, domain.OptOutScope, uuid.UUID) error {
	return nil
}
func (f *fakeOptOuts) IsOptedOut(_ context.Context, phone string, _ uuid.UUID) (bool, error) {
	return f.suppressed[phone], f.err
}

type fakeAudit struct {
	records []ports.AdmissionRecord
}

func (f *fakeAudit) RecordAdmission(_ context.Context, r ports.AdmissionRecord) error {
	f.records = append(f.records, r)
	return nil
}

func testGate(optouts *fakeOptOuts, audit *fakeAudit) *Gate {
	return NewGate(optouts, audit, NewKeywordClassifier(), DefaultWindow, slog.Default())
}

func activeCampaign() domain.Campaign {
	return domain.Campaign{
		ID:       uuid.New(),
		Status:   domain.CampaignActive,
		UseCase:  domain.UseCaseMarketing,
		Timezone: "America/Chicago",
	}
}

// noonFor returns a time inside the permitted window for the campaign's zone.
func noonFor(t *testing.T, c domain.Campaign) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(c.Timezone)
	require.NoError(t, err)
	return time.Date(2026, 8, 26, 12, 0, 0, 0, loc)
}

func TestAdmitChecksInOrder(t *testing.T) {
	optouts := &fakeOptOuts{suppressed: map[string]bool{"+15551230001": true}}
	audit := &fakeAudit{}
	gate := testGate(optouts, audit)

	campaign := activeCampaign()
	noon := noonFor(t, campaign)

	t.Run("inactive campaign wins over everything", func(t *testing.T) {
		suspended := campaign
		suspended.Status = domain.CampaignSuspended
		msg := domain.NewOutbound(suspended.ID, "+15550100", "+15551230001", "hi")
		d, err := gate.Admit(context.Background(), suspended, msg, noon)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonCampaignInactive, d.Reason)
	})

	t.Run("opted out recipient", func(t *testing.T) {
		msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230001", "hi")
		d, err := gate.Admit(context.Background(), campaign, msg, noon)
		require.NoError(t, err)
		assert.Equal(t, ReasonOptedOut, d.Reason)
	})

	t.Run("outside window", func(t *testing.T) {
		msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "hi")
		night := noon.Add(11 * time.Hour) // 23:00 campaign-local
		d, err := gate.Admit(context.Background(), campaign, msg, night)
		require.NoError(t, err)
		assert.Equal(t, ReasonOutsideWindow, d.Reason)
	})

	t.Run("prohibited content", func(t *testing.T) {
		msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "Hit the CASINO tonight!")
		d, err := gate.Admit(context.Background(), campaign, msg, noon)
		require.NoError(t, err)
		assert.Equal(t, ReasonProhibitedContent, d.Reason)
	})

	t.Run("clean message admitted", func(t *testing.T) {
		msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "your order shipped")
		d, err := gate.Admit(context.Background(), campaign, msg, noon)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Reason)
	})
}

func TestAdmitQuietHoursExemption(t *testing.T) {
	gate := testGate(&fakeOptOuts{}, &fakeAudit{})

	campaign := activeCampaign()
	campaign.UseCase = domain.UseCaseTwoFactor
	campaign.QuietExempt = true

	night := noonFor(t, campaign).Add(14 * time.Hour) // 02:00 next day
	msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "your code is 123456")
	d, err := gate.Admit(context.Background(), campaign, msg, night)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitAuthorizedCategoryPasses(t *testing.T) {
	gate := testGate(&fakeOptOuts{}, &fakeAudit{})

	campaign := activeCampaign()
	campaign.AuthorizedFor = []domain.ContentCategory{domain.CategoryGambling}

	msg := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "casino night starts at 7")
	d, err := gate.Admit(context.Background(), campaign, msg, noonFor(t, campaign))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAdmitWindowUsesCampaignTimezone(t *testing.T) {
	gate := testGate(&fakeOptOuts{}, &fakeAudit{})

	chicago := activeCampaign()
	tokyo := activeCampaign()
	tokyo.Timezone = "Asia/Tokyo"

	// 12:00 Chicago is 02:00 next day in Tokyo.
	at := noonFor(t, chicago)
	msg := domain.NewOutbound(tokyo.ID, "+15550100", "+15551230002", "hello")

	d, err := gate.Admit(context.Background(), chicago, msg, at)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = gate.Admit(context.Background(), tokyo, msg, at)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideWindow, d.Reason)
}

func TestAdmitAuditsEveryDecision(t *testing.T) {
	audit := &fakeAudit{}
	gate := testGate(&fakeOptOuts{suppressed: map[string]bool{"+15551230001": true}}, audit)
	campaign := activeCampaign()
	noon := noonFor(t, campaign)

	accepted := domain.NewOutbound(campaign.ID, "+15550100", "+15551230002", "ok")
	rejected := domain.NewOutbound(campaign.ID, "+15550100", "+15551230001", "ok")

	_, err := gate.Admit(context.Background(), campaign, accepted, noon)
	require.NoError(t, err)
	_, err = gate.Admit(context.Background(), campaign, rejected, noon)
	require.NoError(t, err)

	require.Len(t, audit.records, 2)
	assert.True(t, audit.records[0].Allowed)
	assert.False(t, audit.records[1].Allowed)
	assert.Equal(t, string(ReasonOptedOut), audit.records[1].Reason)
}

func TestKeywordClassifierWholeWord(t *testing.T) {
	c := NewKeywordClassifier()

	_, ok := c.Classify("our cbdifferent product") // Not a whole-word match
	assert.False(t, ok)

	cat, ok := c.Classify("Try our CBD gummies")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryCannabis, cat)

	cat, ok = c.Classify("need a payday loan?")
	assert.True(t, ok)
	assert.Equal(t, domain.CategoryLending, cat)
}

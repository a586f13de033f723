package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderEventValidate(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name  string
		event ProviderEvent
		valid bool
	}{
		{
			"valid delivery receipt",
			ProviderEvent{EventID: "e1", Type: EventDeliveryReceipt, OccurredAt: now,
				Delivery: &DeliveryReceipt{ProviderRef: "crr-1", Status: StatusDelivered}},
			true,
		},
		{
			"valid inbound",
			ProviderEvent{EventID: "e2", Type: EventInboundMessage, OccurredAt: now,
				Inbound: &InboundReceipt{From: "+15551230002", To: "+15550100", Body: "STOP"}},
			true,
		},
		{
			"missing event id",
			ProviderEvent{Type: EventDeliveryReceipt,
				Delivery: &DeliveryReceipt{ProviderRef: "crr-1", Status: StatusDelivered}},
			false,
		},
		{
			"receipt without payload",
			ProviderEvent{EventID: "e3", Type: EventDeliveryReceipt},
			false,
		},
		{
			"receipt with non-terminal status",
			ProviderEvent{EventID: "e4", Type: EventDeliveryReceipt,
				Delivery: &DeliveryReceipt{ProviderRef: "crr-1", Status: StatusQueued}},
			false,
		},
		{
			"unknown variant",
			ProviderEvent{EventID: "e5", Type: "carrier_gossip"},
			false,
		},
		{
			"inbound missing from",
			ProviderEvent{EventID: "e6", Type: EventInboundMessage,
				Inbound: &InboundReceipt{To: "+15550100", Body: "hi"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedEvent)
			}
		})
	}
}

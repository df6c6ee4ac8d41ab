package main

import (
	"strings"
	"testing"

	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
)

func TestGenerateNotification(t *testing.T) {
	for i := 0; i < 50; i++ {
		n := generateNotification(i % 3)
		if n.Snapshot == nil || n.Snapshot.ID != n.RequestID || n.Snapshot.OwnerID != n.OwnerID {
			t.Fatalf("snapshot does not match notification: %+v", n)
		}
		if !n.Terminal() && n.Status != "confirmed" {
			t.Errorf("unexpected status %s", n.Status)
		}
		if n.SettlementReference == "" {
			t.Error("settled notification without a reference")
		}
		subject := pnats.SubjectForNotification("", n.OwnerID, n.EventType)
		if !strings.HasPrefix(subject, "redemptions.events.load-owner-000") {
			t.Errorf("subject = %s", subject)
		}
	}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

func TestAddSubscriber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.AddSubscriber(ctx, "  Ada@Example.com ", "Ada")
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if sub.Email != "ada@example.com" || sub.Status != domain.SubscriberActive || !sub.SubscribedAt.Equal(t0) {
		t.Errorf("unexpected subscriber %+v", sub)
	}

	again, err := s.AddSubscriber(ctx, "ada@example.com", "")
	if err != nil {
		t.Fatalf("AddSubscriber again: %v", err)
	}
	if again.ID != sub.ID || again.Name != "Ada" {
		t.Errorf("re-adding must keep the existing subscriber, got %+v", again)
	}

	if _, err := s.AddSubscriber(ctx, "not-an-address", ""); err == nil {
		t.Error("expected invalid email to be rejected")
	}

	all, err := s.ListSubscribers(ctx)
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(all))
	}
}

func TestSetSubscriberStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if _, err := s.AddSubscriber(ctx, email, ""); err != nil {
			t.Fatalf("AddSubscriber(%s): %v", email, err)
		}
	}

	gone, err := s.SetSubscriberStatus(ctx, "B@example.com", domain.SubscriberUnsubscribed)
	if err != nil {
		t.Fatalf("SetSubscriberStatus: %v", err)
	}
	if gone.Status != domain.SubscriberUnsubscribed || gone.UnsubscribedAt == nil {
		t.Errorf("unexpected unsubscribed subscriber %+v", gone)
	}
	if _, err := s.SetSubscriberStatus(ctx, "c@example.com", domain.SubscriberPaused); err != nil {
		t.Fatalf("SetSubscriberStatus: %v", err)
	}

	active, _ := s.ListSubscribers(ctx, domain.SubscriberActive)
	if len(active) != 1 || active[0].Email != "a@example.com" {
		t.Errorf("unexpected active subscribers %+v", active)
	}
	inactive, _ := s.ListSubscribers(ctx, domain.SubscriberPaused, domain.SubscriberUnsubscribed)
	if len(inactive) != 2 {
		t.Errorf("expected 2 inactive subscribers, got %d", len(inactive))
	}

	back, err := s.AddSubscriber(ctx, "b@example.com", "")
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if back.Status != domain.SubscriberActive || back.UnsubscribedAt != nil {
		t.Errorf("re-adding must reactivate, got %+v", back)
	}

	if _, err := s.SetSubscriberStatus(ctx, "nobody@example.com", domain.SubscriberPaused); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDueSubscribersAndDeliveries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const day = "2025-10-14"

	a, _ := s.AddSubscriber(ctx, "a@example.com", "")
	b, _ := s.AddSubscriber(ctx, "b@example.com", "")
	if _, err := s.AddSubscriber(ctx, "c@example.com", ""); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if _, err := s.SetSubscriberStatus(ctx, "c@example.com", domain.SubscriberPaused); err != nil {
		t.Fatalf("SetSubscriberStatus: %v", err)
	}

	due, err := s.DueSubscribers(ctx, day)
	if err != nil {
		t.Fatalf("DueSubscribers: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due subscribers, got %d", len(due))
	}

	sentAt := t0.Add(time.Minute)
	if err := s.RecordDelivery(ctx, &domain.Delivery{SubscriberID: a.ID, Email: a.Email, DigestDate: day,
		Status: domain.DeliverySent, Reference: "<m1@daily-digest>", At: sentAt}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := s.RecordDelivery(ctx, &domain.Delivery{SubscriberID: b.ID, Email: b.Email, DigestDate: day,
		Status: domain.DeliveryFailed, Error: "mailbox full"}); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	due, _ = s.DueSubscribers(ctx, day)
	if len(due) != 1 || due[0].ID != b.ID {
		t.Errorf("only the failed recipient should still be due, got %+v", due)
	}
	if next, _ := s.DueSubscribers(ctx, "2025-10-15"); len(next) != 2 {
		t.Errorf("expected both active subscribers due the next day, got %d", len(next))
	}

	active, _ := s.ListSubscribers(ctx, domain.SubscriberActive)
	for _, sub := range active {
		switch sub.ID {
		case a.ID:
			if sub.TotalDigestsSent != 1 || sub.LastDigestSentAt == nil || !sub.LastDigestSentAt.Equal(sentAt) {
				t.Errorf("sent subscriber counters not updated: %+v", sub)
			}
		case b.ID:
			if sub.TotalDigestsSent != 0 || sub.LastDigestSentAt != nil {
				t.Errorf("failed delivery must not count: %+v", sub)
			}
		}
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const day = "2025-10-14"

	run, _ := s.BeginRun(ctx, day, "a", t0, time.Hour)
	a := mustUpsert(t, s, newItem("hn", "a", "body"), day, Inserted)
	mustUpsert(t, s, newItem("hn", "b", "body"), day, Inserted)
	d := &domain.Digest{ID: domain.DigestID(day), Date: day, Items: []string{a.ID}, GeneratedAt: t0}
	if _, err := s.CommitDigest(ctx, run, d, []*domain.Item{a}); err != nil {
		t.Fatalf("CommitDigest: %v", err)
	}
	sub, _ := s.AddSubscriber(ctx, "a@example.com", "")
	if _, err := s.AddSubscriber(ctx, "b@example.com", ""); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	s.SetSubscriberStatus(ctx, "b@example.com", domain.SubscriberUnsubscribed)
	s.RecordDelivery(ctx, &domain.Delivery{SubscriberID: sub.ID, Email: sub.Email, DigestDate: day, Status: domain.DeliverySent})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Items[domain.StatusSelected] != 1 || st.Items[domain.StatusNew] != 1 {
		t.Errorf("unexpected item counts %v", st.Items)
	}
	if st.Digests != 1 || st.DigestsDelivered != 0 {
		t.Errorf("unexpected digest counts %d/%d", st.Digests, st.DigestsDelivered)
	}
	if st.Subscribers[domain.SubscriberActive] != 1 || st.Subscribers[domain.SubscriberUnsubscribed] != 1 {
		t.Errorf("unexpected subscriber counts %v", st.Subscribers)
	}
	if st.DeliveriesSent != 1 || st.DeliveriesFailed != 0 {
		t.Errorf("unexpected delivery counts %d/%d", st.DeliveriesSent, st.DeliveriesFailed)
	}
}

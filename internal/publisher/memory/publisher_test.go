package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", campaign.Outcome{CampaignID: "c", Status: campaign.URLSubmitted})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic-a" || msgs[1].Topic != "topic-b" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}

	if got := pub.Outcomes("topic-a"); len(got) != 1 || got[0].CampaignID != "c" {
		t.Fatalf("unexpected outcomes: %+v", got)
	}
	if got := pub.Outcomes("topic-b"); len(got) != 0 {
		t.Fatalf("non-outcome payloads must be skipped: %+v", got)
	}
}

func TestPublisherDropsOldestPastLimit(t *testing.T) {
	t.Parallel()

	pub := &Publisher{limit: 2}
	for i := 0; i < 5; i++ {
		if _, err := pub.Publish(context.Background(), "t", i); err != nil {
			t.Fatal(err)
		}
	}
	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[0].Payload != 3 || msgs[1].Payload != 4 {
		t.Fatalf("unexpected retained messages: %+v", msgs)
	}
	id, _ := pub.Publish(context.Background(), "t", 5)
	if id != "memory-6" {
		t.Fatalf("ids must keep counting past the limit, got %s", id)
	}
}

package model

import (
	"testing"
	"time"
)

func TestVisibleTo(t *testing.T) {
	tests := []struct {
		name   string
		msg    Message
		viewer string
		want   bool
	}{
		{"plain", Message{}, "u1", true},
		{"deleted for everyone", Message{Deleted: true}, "u1", false},
		{"hidden for viewer", Message{HiddenFor: []string{"u1"}}, "u1", false},
		{"hidden for someone else", Message{HiddenFor: []string{"u2"}}, "u1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.VisibleTo(tt.viewer); got != tt.want {
				t.Errorf("VisibleTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryStateNeverRegresses(t *testing.T) {
	now := time.Now()
	m := Message{}

	if got := m.DeliveryState("u2"); got != StateSent {
		t.Fatalf("initial state = %q, want sent", got)
	}

	m.AddReceipt(ReceiptRead, "u2", now)
	if got := m.DeliveryState("u2"); got != StateRead {
		t.Fatalf("after read = %q, want read", got)
	}

	// A late delivery ack must not downgrade the reduced state.
	m.AddReceipt(ReceiptDelivered, "u2", now.Add(time.Second))
	if got := m.DeliveryState("u2"); got != StateRead {
		t.Fatalf("after late delivery = %q, want read", got)
	}
}

func TestAddReceiptDeduplicates(t *testing.T) {
	m := Message{}
	now := time.Now()

	if !m.AddReceipt(ReceiptDelivered, "u2", now) {
		t.Fatal("first delivered receipt should be added")
	}
	if m.AddReceipt(ReceiptDelivered, "u2", now.Add(time.Minute)) {
		t.Fatal("second delivered receipt should be skipped")
	}
	if len(m.DeliveredTo) != 1 {
		t.Fatalf("deliveredTo len = %d, want 1", len(m.DeliveredTo))
	}
	if !m.DeliveredTo[0].At.Equal(now) {
		t.Error("original timestamp should be kept")
	}
}

func TestReactionsOnePerUser(t *testing.T) {
	m := Message{}
	now := time.Now()

	m.SetReaction("a", "❤️", now)
	m.SetReaction("a", "😂", now.Add(time.Second))
	m.SetReaction("b", "👍", now)

	if len(m.Reactions) != 2 {
		t.Fatalf("reactions = %d, want 2", len(m.Reactions))
	}
	for _, r := range m.Reactions {
		if r.UserID == "a" && r.Emoji != "😂" {
			t.Errorf("a's reaction = %q, want 😂", r.Emoji)
		}
	}

	if m.RemoveReaction("a", "❤️") {
		t.Error("removing a replaced emoji should be a no-op")
	}
	if !m.RemoveReaction("a", "😂") {
		t.Error("removing the current emoji should succeed")
	}
	if len(m.Reactions) != 1 {
		t.Errorf("reactions = %d, want 1", len(m.Reactions))
	}
}

func TestValidReaction(t *testing.T) {
	for _, e := range AllowedReactions {
		if !ValidReaction(e) {
			t.Errorf("%q should be valid", e)
		}
	}
	if ValidReaction("🍕") {
		t.Error("🍕 should not be valid")
	}
}

func TestDecodeMetadata(t *testing.T) {
	meta, err := DecodeMetadata(TypeVoice, []byte(`{"durationSec":12.5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	voice, ok := meta.(VoiceMeta)
	if !ok {
		t.Fatalf("expected VoiceMeta, got %T", meta)
	}
	if voice.DurationSec != 12.5 {
		t.Errorf("duration = %v", voice.DurationSec)
	}

	if meta, err := DecodeMetadata(TypeGif, nil); err != nil || meta != nil {
		t.Errorf("empty metadata = (%v, %v), want (nil, nil)", meta, err)
	}
	if _, err := DecodeMetadata(TypeText, []byte(`{"x":1}`)); err == nil {
		t.Error("text metadata should be rejected")
	}
	if _, err := DecodeMetadata(TypeImage, []byte(`{"width":"wide"}`)); err == nil {
		t.Error("malformed image metadata should be rejected")
	}
}

func TestCanonicalPair(t *testing.T) {
	if CanonicalPair("b", "a") != CanonicalPair("a", "b") {
		t.Error("pair should be order independent")
	}
	m := Match{Users: CanonicalPair("z", "y")}
	if m.Other("y") != "z" || m.Other("z") != "y" {
		t.Error("Other() returned the wrong member")
	}
}

func TestUserAge(t *testing.T) {
	u := User{BirthDate: time.Date(1995, 6, 15, 0, 0, 0, 0, time.UTC)}
	if got := u.Age(time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)); got != 29 {
		t.Errorf("age before birthday = %d, want 29", got)
	}
	if got := u.Age(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)); got != 30 {
		t.Errorf("age on birthday = %d, want 30", got)
	}
}

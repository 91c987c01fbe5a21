package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"github.com/lysyi3m/tg-comb/app/source"
)

func newChannelMessage(channelID int64, id int) *tg.Message {
	return &tg.Message{
		ID:      id,
		Message: "post",
		Date:    int(time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC).Unix()),
		PeerID:  &tg.PeerChannel{ChannelID: channelID},
	}
}

func channelMessage(channelID int64, id int) tg.UpdateClass {
	return &tg.UpdateNewChannelMessage{Message: newChannelMessage(channelID, id)}
}

func TestUpdateManagerDeliversSubscribedChannelInOrder(t *testing.T) {
	ctx := context.Background()
	s := newSession()
	sub, err := s.Subscribe(ctx, source.Entity{ID: 99, Name: "share"})
	if err != nil {
		t.Fatal(err)
	}

	batch := &tg.Updates{Updates: []tg.UpdateClass{
		channelMessage(99, 1),
		channelMessage(100, 2),
		channelMessage(99, 3),
		&tg.UpdateNewChannelMessage{Message: &tg.MessageService{ID: 4, PeerID: &tg.PeerChannel{ChannelID: 99}}},
		channelMessage(99, 5),
	}}
	if err := newUpdateManager(s).Handle(ctx, batch); err != nil {
		t.Fatal(err)
	}

	var ids []int
	for len(ids) < 3 {
		select {
		case ev := <-sub.Events():
			if ev.Channel != "share" {
				t.Errorf("Expected channel 'share', got '%s'", ev.Channel)
			}
			ids = append(ids, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("Timed out, received %v", ids)
		}
	}
	if ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Errorf("Expected events 1,3,5 in order, got %v", ids)
	}

	select {
	case ev := <-sub.Events():
		t.Errorf("Unexpected extra event %+v", ev)
	default:
	}
}

func TestDeliverAfterCloseDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := newSession()
	sub, err := s.Subscribe(ctx, source.Entity{ID: 99, Name: "share"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < subscriptionQueue; i++ {
		s.deliver(ctx, newChannelMessage(99, i))
	}
	sub.Close()

	done := make(chan struct{})
	go func() {
		s.deliver(ctx, newChannelMessage(99, subscriptionQueue))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a closed subscription")
	}
}

package event_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-job-orchestrator/internal/event"
)

func TestBus_PublishFansOut(t *testing.T) {
	bus := event.NewBus()
	var got []domain.Event
	bus.Subscribe(func(ev domain.Event) { got = append(got, ev) })
	bus.Subscribe(func(ev domain.Event) { got = append(got, ev) })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventJobQueued, JobID: "j1"})
	assert.Len(t, got, 2)
	assert.Equal(t, domain.EventJobQueued, got[0].Type)
	assert.False(t, got[0].At.IsZero(), "publish stamps At when zero")
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := event.NewBus()
	var n int
	unsub := bus.Subscribe(func(domain.Event) { n++ })
	bus.Publish(context.Background(), domain.Event{Type: domain.EventJobStarted})
	unsub()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventJobStarted})
	assert.Equal(t, 1, n)
}

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobStarted, Data: "x"})

	ea := <-a
	ec := <-c
	assert.Equal(t, JobStarted, ea.Type)
	assert.Equal(t, "x", ec.Data)
	assert.False(t, ea.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobCompleted}) // dropped, must not block
	require.Len(t, ch, 1)
	unsub()
	unsub()

	b.Publish(Event{Type: JobFailed}) // no subscribers left
	_, ok := <-ch
	assert.True(t, ok, "buffered event still readable")
	_, ok = <-ch
	assert.False(t, ok)
}

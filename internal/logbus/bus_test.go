package logbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKeepsNewest(t *testing.T) {
	b := New(2)
	b.Log(LevelInfo, "one", nil)
	b.Log(LevelInfo, "two", nil)
	b.Log(LevelInfo, "three", nil)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Data.(LogData).Msg)
	assert.Equal(t, "three", snap[1].Data.(LogData).Msg)
}

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4, TypeTaskUpdate)
	defer cancel()

	b.Log(LevelInfo, "ignored", nil)
	b.Publish(TypeTaskUpdate, "t1")

	msg := <-ch
	assert.Equal(t, TypeTaskUpdate, msg.Type)
	assert.Equal(t, "t1", msg.Data)
	assert.Empty(t, ch)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New(10)
	_, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(TypeCheckout, 1)
	b.Publish(TypeCheckout, 2)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(1)
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
	b.Close()

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

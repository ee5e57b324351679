package docsync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	a := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	callbacks.Remove(a)
	// removing twice is a noop
	callbacks.Remove(a)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2, 3})
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()
	notify := monitor.NotifyChannel()
	go monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(5 * time.Second):
		t.Fatal("not notified")
	}
	// a fresh channel after notify
	assert.Equal(t, monitor.NotifyChannel() == notify, false)
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic(errors.New("boom"))
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.Equal(t, handled.Error(), "boom")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}

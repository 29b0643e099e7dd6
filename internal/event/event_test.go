package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyInOrder(t *testing.T) {
	var e Event[int]
	var got []string
	e.Subscribe(func(v int) { got = append(got, "a") })
	unsub := e.Subscribe(func(v int) { got = append(got, "b") })
	e.Subscribe(func(v int) { got = append(got, "c") })

	e.Notify(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	unsub()
	unsub()
	got = nil
	e.Notify(2)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Equal(t, 2, e.Len())
}

func TestUnsubscribeInsideCallback(t *testing.T) {
	var e Event[string]
	var calls int
	var unsub func()
	unsub = e.Subscribe(func(string) {
		calls++
		unsub()
	})
	e.Notify("x")
	e.Notify("y")
	assert.Equal(t, 1, calls)
}

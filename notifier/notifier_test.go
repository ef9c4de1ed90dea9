package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyAllCoalesces(t *testing.T) {
	n := New()
	ch := n.Subscribe()

	n.NotifyAll()
	n.NotifyAll()

	assert.Len(t, ch, 1)
	<-ch
	assert.Len(t, ch, 0)
}

func TestUnsubscribe(t *testing.T) {
	n := New()
	a := n.Subscribe()
	b := n.Subscribe()
	assert.Equal(t, 2, n.Subscribers())

	n.Unsubscribe(a)
	n.Unsubscribe(a)
	assert.Equal(t, 1, n.Subscribers())

	_, open := <-a
	assert.False(t, open)

	n.NotifyAll()
	assert.Len(t, b, 1)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, n.NotifyAll)
}

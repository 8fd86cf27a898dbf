package addrlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func tcpAddr(s string) *net.TCPAddr {
	a, _ := net.ResolveTCPAddr("tcp", s)
	return a
}

func TestPushDeduplicates(t *testing.T) {
	l := New(0)
	l.Push([]*net.TCPAddr{tcpAddr("1.2.3.4:6881"), tcpAddr("1.2.3.4:6881")}, Tracker)
	assert.Equal(t, 1, l.Len())
}

func TestPopIsFIFO(t *testing.T) {
	l := New(0)
	l.Push([]*net.TCPAddr{tcpAddr("1.1.1.1:1"), tcpAddr("2.2.2.2:2")}, Tracker)
	assert.Equal(t, "1.1.1.1:1", l.Pop().String())
	assert.Equal(t, "2.2.2.2:2", l.Pop().String())
	assert.Nil(t, l.Pop())
}

func TestMaxLenBoundsQueue(t *testing.T) {
	l := New(1)
	l.Push([]*net.TCPAddr{tcpAddr("1.1.1.1:1"), tcpAddr("2.2.2.2:2")}, Tracker)
	assert.Equal(t, 1, l.Len())
}

func TestResetAllowsRequeue(t *testing.T) {
	l := New(0)
	a := tcpAddr("1.1.1.1:1")
	l.Push([]*net.TCPAddr{a}, Tracker)
	l.Pop()
	l.Push([]*net.TCPAddr{a}, Tracker)
	assert.Equal(t, 0, l.Len(), "popped address must not be requeued before Reset")

	l.Reset()
	l.Push([]*net.TCPAddr{a}, Tracker)
	assert.Equal(t, 1, l.Len())
}

package room

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeMember struct {
	id       string
	got      [][]byte
	rejected bool
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Deliver(payload []byte) bool {
	if f.rejected {
		return false
	}
	f.got = append(f.got, payload)
	return true
}

func testRegistry(capacity int) *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), capacity)
}

func TestJoinCapacity(t *testing.T) {
	g := testRegistry(0)
	for i := 0; i < DefaultCapacity; i++ {
		err := g.Join("42", &fakeMember{id: fmt.Sprintf("m%d", i)})
		assert.Equal(t, err, nil)
	}
	err := g.Join("42", &fakeMember{id: "overflow"})
	assert.Equal(t, err, ErrRoomFull)
	assert.Equal(t, g.MemberCount(), DefaultCapacity)

	// Other rooms are unaffected by a full neighbour.
	assert.Equal(t, g.Join("43", &fakeMember{id: "elsewhere"}), nil)
}

func TestLeaveIdempotent(t *testing.T) {
	g := testRegistry(4)
	m := &fakeMember{id: "a"}

	// Leaving before any join is a no-op.
	g.Leave(m)
	assert.Equal(t, g.RoomCount(), 0)

	assert.Equal(t, g.Join("42", m), nil)
	assert.Equal(t, g.RoomCount(), 1)

	g.Leave(m)
	g.Leave(m)
	assert.Equal(t, g.RoomCount(), 0)
	assert.Equal(t, g.MemberCount(), 0)

	// The slot freed by leave is usable again.
	assert.Equal(t, g.Join("42", m), nil)
}

func TestEmptyRoomCollected(t *testing.T) {
	g := testRegistry(4)
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}
	assert.Equal(t, g.Join("42", a), nil)
	assert.Equal(t, g.Join("42", b), nil)

	g.Leave(a)
	assert.Equal(t, g.RoomCount(), 1)
	g.Leave(b)
	assert.Equal(t, g.RoomCount(), 0)
}

func TestBroadcastExcludesSender(t *testing.T) {
	g := testRegistry(8)
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}
	c := &fakeMember{id: "c"}
	for _, m := range []*fakeMember{a, b, c} {
		assert.Equal(t, g.Join("42", m), nil)
	}
	other := &fakeMember{id: "d"}
	assert.Equal(t, g.Join("99", other), nil)

	payload := []byte(`{"method":"set","name":"☁ score","value":"5"}`)
	g.Broadcast("42", a, payload)

	assert.Equal(t, len(a.got), 0)
	assert.Equal(t, len(b.got), 1)
	assert.Equal(t, len(c.got), 1)
	assert.Equal(t, string(b.got[0]), string(payload))
	assert.Equal(t, len(other.got), 0)
}

func TestBroadcastBestEffort(t *testing.T) {
	g := testRegistry(8)
	a := &fakeMember{id: "a"}
	dead := &fakeMember{id: "dead", rejected: true}
	c := &fakeMember{id: "c"}
	for _, m := range []*fakeMember{a, dead, c} {
		assert.Equal(t, g.Join("42", m), nil)
	}

	g.Broadcast("42", a, []byte("x"))

	// The dead peer refusing delivery does not stop the fan-out, and
	// it stays a member until its own close path removes it.
	assert.Equal(t, len(c.got), 1)
	assert.Equal(t, g.MemberCount(), 3)
}

func TestBroadcastUnknownRoom(t *testing.T) {
	g := testRegistry(8)
	g.Broadcast("404", &fakeMember{id: "a"}, []byte("x"))
}

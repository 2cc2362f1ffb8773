package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
)

func ev(t settlement.EventType, id uint64) settlement.Event {
	return settlement.Event{Type: t, Instruction: settlement.InstructionID(id)}
}

func TestBus_FilterAndOrder(t *testing.T) {
	b := NewBus(nil)
	all := b.Subscribe(8)
	exec := b.Subscribe(8, settlement.EventExecuted)

	b.Send(ev(settlement.EventCreated, 1))
	b.Send(ev(settlement.EventExecuted, 1))
	b.Send(ev(settlement.EventCreated, 2))

	require.Len(t, all.C(), 3)
	assert.Equal(t, settlement.EventCreated, (<-all.C()).Type)
	assert.Equal(t, settlement.EventExecuted, (<-all.C()).Type)
	assert.Equal(t, settlement.InstructionID(2), (<-all.C()).Instruction)

	require.Len(t, exec.C(), 1)
	assert.Equal(t, settlement.EventExecuted, (<-exec.C()).Type)
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus(nil)
	s := b.Subscribe(1)

	for i := 0; i < 5; i++ {
		b.Send(ev(settlement.EventCreated, uint64(i+1)))
	}
	assert.Equal(t, uint64(4), s.Dropped())
	assert.Equal(t, settlement.InstructionID(1), (<-s.C()).Instruction)
}

func TestBus_RequiredSubscribersSeeEverything(t *testing.T) {
	b := NewBus(nil)
	var got []settlement.EventType
	b.Push(func(e settlement.Event) { got = append(got, e.Type) })
	_ = b.Subscribe(1)

	b.Send(ev(settlement.EventCreated, 1))
	b.Send(ev(settlement.EventAffirmed, 1))
	b.Send(ev(settlement.EventExecuted, 1))

	assert.Equal(t, []settlement.EventType{
		settlement.EventCreated, settlement.EventAffirmed, settlement.EventExecuted,
	}, got)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := NewBus(nil)
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	require.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(s1)
	b.Unsubscribe(s1)
	_, open := <-s1.C()
	assert.False(t, open)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Close()
	_, open = <-s2.C()
	assert.False(t, open)

	b.Send(ev(settlement.EventCreated, 1))
	late := b.Subscribe(4)
	_, open = <-late.C()
	assert.False(t, open)
}

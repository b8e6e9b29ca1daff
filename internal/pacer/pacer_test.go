package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenDispenser(t *testing.T) {
	td := NewTokenDispenser(5)
	assert.Equal(t, 5, len(td.tokens))
	td.Get()
	assert.Equal(t, 4, len(td.tokens))
	td.Put()
	assert.Equal(t, 5, len(td.tokens))
}

func TestDecay(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in             State
		attackConstant uint
		want           time.Duration
	}{
		{State{SleepTime: 8 * time.Millisecond}, 1, 4 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond}, 0, 1 * time.Microsecond},
	} {
		c.decayConstant = test.attackConstant
		got := c.Calculate(test.in)
		assert.Equal(t, test.want, got, "test: %+v", test)
	}
}

func TestPacerSleepResetsOnSuccess(t *testing.T) {
	p := New(3, NewDefault(MinSleep(time.Millisecond), MaxSleep(50*time.Millisecond)))
	p.Sleep(true)
	p.Sleep(true)
	d := p.Sleep(false)
	// Attack takes 1ms -> 3ms -> 7ms; one success resets the retry counter
	// and decays 7ms by a quarter (decay constant 2) to 5.25ms.
	assert.Equal(t, 5250*time.Microsecond, d)
	assert.Equal(t, 0, p.state.ConsecutiveRetries)
}

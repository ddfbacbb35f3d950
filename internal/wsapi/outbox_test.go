package wsapi

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/pkg/util"
)

func TestOutbox_PerProducerOrderPreserved(t *testing.T) {
	const producers, perProducer = 8, 200
	o := newOutbox()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				o.push(protocol.Pending(fmt.Sprintf("w%d", p), "", map[string]any{"seq": i}))
			}
		}(p)
	}

	next := make(map[string]int64, producers)
	for n := 0; n < producers*perProducer; n++ {
		r, ok := o.pop(time.Second)
		require.True(t, ok, "queue drained early after %d messages", n)
		seq, ok := util.ToInt64(r["seq"])
		require.True(t, ok)
		assert.Equal(t, next[r.RequestID()], seq, "out of order for %s", r.RequestID())
		next[r.RequestID()] = seq + 1
	}
	wg.Wait()
	assert.Equal(t, 0, o.len())
}

func TestOutbox_PopTimesOutWhenEmpty(t *testing.T) {
	o := newOutbox()
	start := time.Now()
	_, ok := o.pop(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestOutbox_PopWakesOnPush(t *testing.T) {
	o := newOutbox()
	go func() {
		time.Sleep(20 * time.Millisecond)
		o.push(protocol.Done("r1"))
	}()
	r, ok := o.pop(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "r1", r.RequestID())
}

func TestOutbox_LeftoverWakeupKeepsWaiting(t *testing.T) {
	o := newOutbox()
	require.True(t, o.push(protocol.Done("r0")))
	r, ok := o.pop(time.Second)
	require.True(t, ok)
	require.Equal(t, "r0", r.RequestID())
	require.Len(t, o.notify, 1, "the push left its wakeup behind")

	go func() {
		time.Sleep(50 * time.Millisecond)
		o.push(protocol.Done("r1"))
	}()
	r, ok = o.pop(5 * time.Second)
	require.True(t, ok, "pop gave up before its deadline")
	assert.Equal(t, "r1", r.RequestID())
}

func TestOutbox_CloseKeepsQueuedRejectsNew(t *testing.T) {
	o := newOutbox()
	require.True(t, o.push(protocol.Done("r1")))
	o.close()
	assert.False(t, o.push(protocol.Done("r2")))

	r, ok := o.pop(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "r1", r.RequestID())
	_, ok = o.pop(10 * time.Millisecond)
	assert.False(t, ok)
}

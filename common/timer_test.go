package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: bad interval
	assert.NotNil(uut.Start(0, callback, true))

	// Case 1: fires once
	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	// Case 2: restart
	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int32(2), atomic.LoadInt32(&value))
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	assert.Nil(uut.Start(time.Millisecond*20, func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}, false))
	time.Sleep(time.Millisecond * 130)
	assert.Nil(uut.Stop())
	wg.Wait()
	fired := atomic.LoadInt32(&value)
	assert.GreaterOrEqual(fired, int32(3))

	// Stopped timers stay quiet
	time.Sleep(time.Millisecond * 60)
	assert.Equal(fired, atomic.LoadInt32(&value))
}

package multiplex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitedValve_Count(t *testing.T) {
	v := MakeValve(1e12, 1e12)
	v.AddRx(10)
	v.AddRx(5)
	v.AddTx(7)
	assert.EqualValues(t, 15, v.GetRx())
	assert.EqualValues(t, 7, v.GetTx())

	rx, tx := v.Nullify()
	assert.EqualValues(t, 15, rx)
	assert.EqualValues(t, 7, tx)
	assert.EqualValues(t, 0, v.GetRx())
	assert.EqualValues(t, 0, v.GetTx())
}

func TestLimitedValve_Wait(t *testing.T) {
	v := MakeValve(1000, 1000)
	// the bucket starts full
	v.rxWait(1000)
	start := time.Now()
	v.rxWait(100)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestUnlimitedValve(t *testing.T) {
	v := UNLIMITED_VALVE
	v.rxWait(1 << 30)
	v.txWait(1 << 30)
	v.AddRx(10)
	v.AddTx(10)
	assert.EqualValues(t, 0, v.GetRx())
	rx, tx := v.Nullify()
	assert.EqualValues(t, 0, rx)
	assert.EqualValues(t, 0, tx)
}

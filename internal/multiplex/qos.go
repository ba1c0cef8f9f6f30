package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the rate at which a session moves bytes over its connection and counts them.
// It can be shared by all the sessions the crawler holds against a single target.
type Valve interface {
	rxWait(int)
	txWait(int)
	AddRx(int64)
	AddTx(int64)
	GetRx() int64
	GetTx() int64
	Nullify() (int64, int64)
}

type LimitedValve struct {
	// traffic directions are refered to from the crawler's perspective:
	// rx is what the remote peer sends us, tx is what we send it
	rxtb *ratelimit.Bucket
	txtb *ratelimit.Bucket

	rx *int64
	tx *int64
}

type unlimitedValve struct{}

// MakeValve creates a Valve that allows rxRate and txRate bytes per second
func MakeValve(rxRate, txRate int64) *LimitedValve {
	var rx, tx int64
	v := &LimitedValve{
		rxtb: ratelimit.NewBucketWithRate(float64(rxRate), rxRate),
		txtb: ratelimit.NewBucketWithRate(float64(txRate), txRate),
		rx:   &rx,
		tx:   &tx,
	}
	return v
}

var UNLIMITED_VALVE = &unlimitedValve{}

func (v *LimitedValve) rxWait(n int)  { v.rxtb.Wait(int64(n)) }
func (v *LimitedValve) txWait(n int)  { v.txtb.Wait(int64(n)) }
func (v *LimitedValve) AddRx(n int64) { atomic.AddInt64(v.rx, n) }
func (v *LimitedValve) AddTx(n int64) { atomic.AddInt64(v.tx, n) }
func (v *LimitedValve) GetRx() int64  { return atomic.LoadInt64(v.rx) }
func (v *LimitedValve) GetTx() int64  { return atomic.LoadInt64(v.tx) }
func (v *LimitedValve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}

func (v *unlimitedValve) rxWait(n int)            {}
func (v *unlimitedValve) txWait(n int)            {}
func (v *unlimitedValve) AddRx(n int64)           {}
func (v *unlimitedValve) AddTx(n int64)           {}
func (v *unlimitedValve) GetRx() int64            { return 0 }
func (v *unlimitedValve) GetTx() int64            { return 0 }
func (v *unlimitedValve) Nullify() (int64, int64) { return 0, 0 }

// Package atomic provides small typed wrappers over sync/atomic, matching
// the atomic.Int32/atomic.Int64 field style used throughout the teacher's
// xaction structs (XactTCB.refc, XactTCB.rxlast).
package atomic

import "sync/atomic"

type Int32 struct{ v int32 }

func (a *Int32) Store(n int32)        { atomic.StoreInt32(&a.v, n) }
func (a *Int32) Load() int32          { return atomic.LoadInt32(&a.v) }
func (a *Int32) Add(n int32) int32    { return atomic.AddInt32(&a.v, n) }
func (a *Int32) Dec() int32           { return atomic.AddInt32(&a.v, -1) }
func (a *Int32) CAS(old, n int32) bool { return atomic.CompareAndSwapInt32(&a.v, old, n) }

type Int64 struct{ v int64 }

func (a *Int64) Store(n int64)     { atomic.StoreInt64(&a.v, n) }
func (a *Int64) Load() int64       { return atomic.LoadInt64(&a.v) }
func (a *Int64) Add(n int64) int64 { return atomic.AddInt64(&a.v, n) }
func (a *Int64) Inc() int64        { return atomic.AddInt64(&a.v, 1) }

type Bool struct{ v int32 }

func (b *Bool) Store(val bool) {
	if val {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}
func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }

// CAS sets the value to val iff it currently equals old; returns whether
// the swap happened.
func (b *Bool) CAS(old, val bool) bool {
	o, n := int32(0), int32(0)
	if old {
		o = 1
	}
	if val {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}

package detector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pitrac/internal/logger"
)

var (
	ErrBufferInUse    = errors.New("pooled buffer already in use")
	ErrBufferTooSmall = errors.New("request exceeds pooled buffer")
)

// Role names one of the scratch buffers a detection needs.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
	RolePreprocess
	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	case RolePreprocess:
		return "preprocess"
	}
	return "unknown"
}

// Lease is a borrowed buffer. Float roles fill Floats, RolePreprocess fills
// Bytes. Release must be called exactly once.
type Lease struct {
	Floats  []float32
	Bytes   []byte
	release func()
}

func (l *Lease) Release() {
	if l != nil && l.release != nil {
		l.release()
		l.release = nil
	}
}

// Allocator hands out scratch buffers for a detection.
type Allocator interface {
	Acquire(role Role, n int) (*Lease, error)
	// Capacity reports the bytes held in reserve, 0 for allocators that keep
	// nothing.
	Capacity() int
}

// MemoryPool reserves one buffer per role up front and never grows them. A
// role that is already leased fails with ErrBufferInUse instead of blocking; a
// request larger than the reservation fails with ErrBufferTooSmall.
type MemoryPool struct {
	floats   [numRoles][]float32
	bytes    []byte
	inUse    [numRoles]atomic.Bool
	capacity int
}

func NewMemoryPool(inputSize, outputSize, preprocessSize int) *MemoryPool {
	p := &MemoryPool{bytes: make([]byte, preprocessSize)}
	p.floats[RoleInput] = make([]float32, inputSize)
	p.floats[RoleOutput] = make([]float32, outputSize)
	p.capacity = 4*(inputSize+outputSize) + preprocessSize
	return p
}

func (p *MemoryPool) Acquire(role Role, n int) (*Lease, error) {
	if role < 0 || role >= numRoles {
		return nil, errors.New("unknown buffer role")
	}
	size := len(p.floats[role])
	if role == RolePreprocess {
		size = len(p.bytes)
	}
	if n > size {
		return nil, fmt.Errorf("%w: %s wants %d, pool holds %d", ErrBufferTooSmall, role, n, size)
	}
	if !p.inUse[role].CompareAndSwap(false, true) {
		return nil, ErrBufferInUse
	}

	lease := &Lease{release: func() { p.inUse[role].Store(false) }}
	if role == RolePreprocess {
		lease.Bytes = p.bytes[:n]
	} else {
		lease.Floats = p.floats[role][:n]
	}
	return lease, nil
}

// InUse reports whether role is currently leased.
func (p *MemoryPool) InUse(role Role) bool {
	return p.inUse[role].Load()
}

func (p *MemoryPool) Capacity() int {
	return p.capacity
}

// DynamicAllocator serves buffers from per-role sync.Pools, growing them on
// demand.
type DynamicAllocator struct {
	pools [numRoles]sync.Pool
}

func NewDynamicAllocator() *DynamicAllocator {
	return &DynamicAllocator{}
}

func (a *DynamicAllocator) Acquire(role Role, n int) (*Lease, error) {
	if role < 0 || role >= numRoles {
		return nil, errors.New("unknown buffer role")
	}
	pool := &a.pools[role]

	if role == RolePreprocess {
		buf, _ := pool.Get().(*[]byte)
		if buf == nil || cap(*buf) < n {
			b := make([]byte, n)
			buf = &b
		}
		*buf = (*buf)[:n]
		return &Lease{Bytes: *buf, release: func() { pool.Put(buf) }}, nil
	}

	buf, _ := pool.Get().(*[]float32)
	if buf == nil || cap(*buf) < n {
		b := make([]float32, n)
		buf = &b
	}
	*buf = (*buf)[:n]
	return &Lease{Floats: *buf, release: func() { pool.Put(buf) }}, nil
}

func (a *DynamicAllocator) Capacity() int { return 0 }

// PooledAllocator prefers the fixed pool and falls back to dynamic buffers
// when a role is taken or the request outgrows it.
type PooledAllocator struct {
	Pool      *MemoryPool
	Fallback  Allocator
	log       *logger.Logger
	fallbacks atomic.Uint64
}

func NewPooledAllocator(pool *MemoryPool, log *logger.Logger) *PooledAllocator {
	return &PooledAllocator{Pool: pool, Fallback: NewDynamicAllocator(), log: log}
}

func (a *PooledAllocator) Acquire(role Role, n int) (*Lease, error) {
	lease, err := a.Pool.Acquire(role, n)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, ErrBufferInUse) && !errors.Is(err, ErrBufferTooSmall) {
		return nil, err
	}
	a.fallbacks.Add(1)
	a.log.Warning("Memory pool %s buffer unavailable (%v), falling back to dynamic allocation", role, err)
	return a.Fallback.Acquire(role, n)
}

func (a *PooledAllocator) Capacity() int {
	return a.Pool.Capacity()
}

// Fallbacks counts acquisitions served by the fallback allocator.
func (a *PooledAllocator) Fallbacks() uint64 {
	return a.fallbacks.Load()
}

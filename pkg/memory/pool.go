// Package memory bounds the aggregate footprint of component
// instances. Every running instance holds one allocation from the
// pool; releasing it returns the bytes to the shared budget.
package memory

import (
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Config bounds the pool.
type Config struct {
	// MaxPerComponent caps any single allocation.
	MaxPerComponent uint64

	// PoolSize caps the sum of all live allocations.
	PoolSize uint64
}

// DefaultConfig returns the standard pool limits.
func DefaultConfig() Config {
	return Config{
		MaxPerComponent: 256 * 1024 * 1024,
		PoolSize:        4 * 1024 * 1024 * 1024,
	}
}

// Allocation is a live reservation handed to an instance.
type Allocation struct {
	ID   uint64
	Size uint64
}

type allocationInfo struct {
	size        uint64
	componentID string
	createdAt   time.Time
}

// Pool tracks reservations against the configured caps.
type Pool struct {
	config Config

	mu          sync.Mutex
	totalBytes  uint64
	allocations map[uint64]*allocationInfo
	nextID      uint64
}

// NewPool creates a pool with the given limits.
func NewPool(config Config) *Pool {
	return &Pool{
		config:      config,
		allocations: make(map[uint64]*allocationInfo),
		nextID:      1,
	}
}

// Allocate reserves the per-component maximum.
func (p *Pool) Allocate() (Allocation, error) {
	return p.AllocateSize(p.config.MaxPerComponent)
}

// AllocateSize reserves size bytes. It fails when size exceeds the
// per-component cap or would push the pool past its total capacity.
func (p *Pool) AllocateSize(size uint64) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.config.MaxPerComponent {
		return Allocation{}, errdefs.New(errdefs.KindMemoryExceeded, "",
			"requested size %d exceeds max per component %d", size, p.config.MaxPerComponent)
	}
	if p.totalBytes+size > p.config.PoolSize {
		return Allocation{}, errdefs.New(errdefs.KindMemoryExceeded, "",
			"memory pool exhausted: %d + %d > %d", p.totalBytes, size, p.config.PoolSize)
	}

	id := p.nextID
	p.nextID++
	p.totalBytes += size
	p.allocations[id] = &allocationInfo{size: size, createdAt: time.Now()}

	return Allocation{ID: id, Size: size}, nil
}

// Release returns an allocation to the pool. Releasing an unknown
// allocation is a no-op.
func (p *Pool) Release(alloc Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if info, ok := p.allocations[alloc.ID]; ok {
		delete(p.allocations, alloc.ID)
		if info.size > p.totalBytes {
			p.totalBytes = 0
		} else {
			p.totalBytes -= info.size
		}
	}
}

// Associate tags an allocation with a component for per-component
// accounting and bulk release.
func (p *Pool) Associate(allocationID uint64, componentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if info, ok := p.allocations[allocationID]; ok {
		info.componentID = componentID
	}
}

// ComponentAllocations returns (id, size) pairs tagged to a component.
func (p *Pool) ComponentAllocations(componentID string) []Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Allocation
	for id, info := range p.allocations {
		if info.componentID == componentID {
			out = append(out, Allocation{ID: id, Size: info.size})
		}
	}
	return out
}

// ReleaseComponent frees every allocation tagged to a component.
func (p *Pool) ReleaseComponent(componentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, info := range p.allocations {
		if info.componentID == componentID {
			delete(p.allocations, id)
			if info.size > p.totalBytes {
				p.totalBytes = 0
			} else {
				p.totalBytes -= info.size
			}
		}
	}
}

// CanAllocate reports whether a reservation of size would succeed.
func (p *Pool) CanAllocate(size uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return size <= p.config.MaxPerComponent && p.totalBytes+size <= p.config.PoolSize
}

// Available returns the largest reservation that would currently fit.
func (p *Pool) Available() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.config.PoolSize - p.totalBytes
	if remaining > p.config.MaxPerComponent {
		return p.config.MaxPerComponent
	}
	return remaining
}

// Usage describes current pool consumption.
type Usage struct {
	AllocatedBytes  uint64
	PoolSize        uint64
	AllocationCount int
}

// Usage returns a snapshot of pool consumption.
func (p *Pool) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Usage{
		AllocatedBytes:  p.totalBytes,
		PoolSize:        p.config.PoolSize,
		AllocationCount: len(p.allocations),
	}
}

// UsagePercent returns pool consumption as a percentage of capacity.
func (p *Pool) UsagePercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.totalBytes) / float64(p.config.PoolSize) * 100.0
}

// Stats describes pool consumption with allocation age buckets
// (<1s, <10s, <60s, older).
type Stats struct {
	TotalAllocated  uint64
	PoolCapacity    uint64
	AllocationCount int
	MaxPerComponent uint64
	ByAgeBytes      [4]uint64
}

// Stats returns a detailed snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		TotalAllocated:  p.totalBytes,
		PoolCapacity:    p.config.PoolSize,
		AllocationCount: len(p.allocations),
		MaxPerComponent: p.config.MaxPerComponent,
	}

	now := time.Now()
	for _, info := range p.allocations {
		age := now.Sub(info.createdAt)
		var bucket int
		switch {
		case age < time.Second:
			bucket = 0
		case age < 10*time.Second:
			bucket = 1
		case age < time.Minute:
			bucket = 2
		default:
			bucket = 3
		}
		stats.ByAgeBytes[bucket] += info.size
	}

	return stats
}

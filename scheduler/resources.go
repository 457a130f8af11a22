package scheduler

import (
	"fmt"
	"sync"

	"density/task"
)

// Resources accounts the CPU and RAM hints of running tasks
// against what the host offers.
type Resources struct {
	TotalCPU int
	TotalRAM int

	mu      sync.Mutex
	usedCPU int
	usedRAM int
}

func NewResources(cpu, ram int) *Resources {
	return &Resources{TotalCPU: cpu, TotalRAM: ram}
}

// Check rejects a task that could never fit.
func (r *Resources) Check(cpu, ram int) error {
	if cpu > r.TotalCPU {
		return fmt.Errorf("%w: %d cpu requested, host has %d", task.ErrInvalidSpec, cpu, r.TotalCPU)
	}
	if ram > r.TotalRAM {
		return fmt.Errorf("%w: %d MiB ram requested, host has %d", task.ErrInvalidSpec, ram, r.TotalRAM)
	}
	return nil
}

// Reserve takes the hints if they fit right now.
func (r *Resources) Reserve(cpu, ram int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usedCPU+cpu > r.TotalCPU || r.usedRAM+ram > r.TotalRAM {
		return false
	}
	r.usedCPU += cpu
	r.usedRAM += ram
	return true
}

func (r *Resources) Release(cpu, ram int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedCPU -= cpu
	r.usedRAM -= ram
	if r.usedCPU < 0 {
		r.usedCPU = 0
	}
	if r.usedRAM < 0 {
		r.usedRAM = 0
	}
}

func (r *Resources) Used() (cpu, ram int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedCPU, r.usedRAM
}

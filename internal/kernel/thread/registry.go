package thread

import (
	"sort"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
)

// Registry is the kernel's thread table. Every operation runs under the
// kernel spin lock on behalf of the calling CPU and never blocks while
// holding it.
type Registry struct {
	kernel  *lock.Spin
	threads map[ID]*Thread
	next    ID
}

// NewRegistry creates an empty table guarded by kernel.
func NewRegistry(kernel *lock.Spin) *Registry {
	return &Registry{kernel: kernel, threads: make(map[ID]*Thread), next: 1}
}

// Create adds a new running thread.
func (r *Registry) Create(cpu lock.CPU, name, pd string, space *mmu.Space) *Thread {
	t := New(name, pd, space)
	r.kernel.Guard(cpu, func() {
		t.id = r.next
		r.next++
		r.threads[t.id] = t
	})
	return t
}

// Lookup finds a thread by id.
func (r *Registry) Lookup(cpu lock.CPU, id ID) (t *Thread, ok bool) {
	r.kernel.Guard(cpu, func() {
		t, ok = r.threads[id]
	})
	return t, ok
}

// Remove drops a thread from the table. The thread itself is not killed.
func (r *Registry) Remove(cpu lock.CPU, id ID) {
	r.kernel.Guard(cpu, func() {
		delete(r.threads, id)
	})
}

// KillPD kills and removes every thread of a protection domain and returns
// how many there were.
func (r *Registry) KillPD(cpu lock.CPU, pd string) int {
	var victims []*Thread
	r.kernel.Guard(cpu, func() {
		for id, t := range r.threads {
			if t.pd == pd {
				victims = append(victims, t)
				delete(r.threads, id)
			}
		}
	})
	for _, t := range victims {
		t.Kill()
	}
	return len(victims)
}

// Threads returns the table ordered by id.
func (r *Registry) Threads(cpu lock.CPU) []*Thread {
	var out []*Thread
	r.kernel.Guard(cpu, func() {
		out = make([]*Thread, 0, len(r.threads))
		for _, t := range r.threads {
			out = append(out, t)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of registered threads.
func (r *Registry) Len(cpu lock.CPU) (n int) {
	r.kernel.Guard(cpu, func() { n = len(r.threads) })
	return n
}

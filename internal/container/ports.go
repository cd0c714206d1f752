package container

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"
)

// ErrNoPortsAvailable is returned when the window cannot satisfy a request.
var ErrNoPortsAvailable = errors.New("no free host ports in allocation window")

// PortAllocator hands out host ports from a fixed window and remembers who
// holds them for the lifetime of the process.
//
// A request for n ports draws a random base and takes base, base+1, ...
// base+n-1. If any of those is reserved or refuses a bind probe the draw is
// retried; after maxAttempts draws it falls back to a linear scan.
type PortAllocator struct {
	start, end  int
	maxAttempts int

	mu       sync.Mutex
	reserved map[int]string   // port -> owner
	owners   map[string][]int // owner -> ports

	// probe reports whether the host can bind port. Replaced in tests.
	probe func(port int) bool
	randN func(n int) int
}

// NewPortAllocator creates an allocator for [start, end].
func NewPortAllocator(start, end, maxAttempts int) *PortAllocator {
	if maxAttempts <= 0 {
		maxAttempts = 20
	}
	return &PortAllocator{
		start:       start,
		end:         end,
		maxAttempts: maxAttempts,
		reserved:    make(map[int]string),
		owners:      make(map[string][]int),
		probe:       canBind,
		randN:       rand.IntN,
	}
}

// Window returns the inclusive bounds of the allocation window.
func (a *PortAllocator) Window() (int, int) {
	return a.start, a.end
}

// Allocate reserves n distinct host ports for owner.
func (a *PortAllocator) Allocate(owner string, n int) ([]int, error) {
	if n <= 0 {
		return []int{}, nil
	}
	size := a.end - a.start + 1
	if n > size {
		return nil, fmt.Errorf("%w: requested %d ports, window holds %d", ErrNoPortsAvailable, n, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		base := a.start + a.randN(size-n+1)
		ports := make([]int, n)
		ok := true
		for i := range ports {
			ports[i] = base + i
			if !a.freeLocked(ports[i]) {
				ok = false
				break
			}
		}
		if ok {
			a.reserveLocked(owner, ports)
			return ports, nil
		}
	}

	// Fragmented window: take the first free ports in order.
	ports := make([]int, 0, n)
	for p := a.start; p <= a.end && len(ports) < n; p++ {
		if a.freeLocked(p) {
			ports = append(ports, p)
		}
	}
	if len(ports) < n {
		return nil, fmt.Errorf("%w: needed %d, found %d", ErrNoPortsAvailable, n, len(ports))
	}
	a.reserveLocked(owner, ports)
	return ports, nil
}

func (a *PortAllocator) freeLocked(port int) bool {
	if _, taken := a.reserved[port]; taken {
		return false
	}
	return a.probe(port)
}

func (a *PortAllocator) reserveLocked(owner string, ports []int) {
	for _, p := range ports {
		a.reserved[p] = owner
	}
	a.owners[owner] = append(a.owners[owner], ports...)
}

// Release frees the given ports held by owner, or all of them when none are named.
func (a *PortAllocator) Release(owner string, ports ...int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	held := a.owners[owner]
	if len(ports) == 0 {
		ports = held
	}

	drop := make(map[int]bool, len(ports))
	released := make([]int, 0, len(ports))
	for _, p := range ports {
		if a.reserved[p] == owner {
			delete(a.reserved, p)
			drop[p] = true
			released = append(released, p)
		}
	}

	keep := held[:0]
	for _, p := range held {
		if !drop[p] {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		delete(a.owners, owner)
	} else {
		a.owners[owner] = keep
	}
	return released
}

// Reserved returns the ports currently held by owner, sorted.
func (a *PortAllocator) Reserved(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]int(nil), a.owners[owner]...)
	sort.Ints(out)
	return out
}

// InUse returns the number of reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// canBind reports whether a TCP listener can be opened on port.
func canBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

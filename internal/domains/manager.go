package domains

import (
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"mirage/internal/clock"
	"mirage/internal/events"
	"mirage/internal/platform/metrics"
)

// defaultShuffleFrequency seeds new domains until the shuffle controller
// installs an adaptive value.
const defaultShuffleFrequency = 30 * time.Second

// Manager is the single owner of the domain table. Operations refuse with
// boolean or zero returns instead of errors; refused operations leave state
// untouched. Events are published after the lock is released so subscribers
// may call back into the manager.
type Manager struct {
	mu          sync.Mutex
	domains     map[uint32]*Domain
	userDomain  map[uint32]uint32
	proxyDomain map[uint32]uint32
	nextID      uint32
	thresholds  Thresholds
	mode        AssignmentMode
	strategy    AssignmentStrategy

	bus    *events.Bus
	clk    clock.Clock
	logger *slog.Logger
	mtx    *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mtx *metrics.Metrics) Option {
	return func(m *Manager) { m.mtx = mtx }
}

func WithThresholds(t Thresholds) Option {
	return func(m *Manager) { m.thresholds = t }
}

func WithAssignmentMode(mode AssignmentMode) Option {
	return func(m *Manager) { m.mode = mode }
}

func NewManager(bus *events.Bus, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		domains:     make(map[uint32]*Domain),
		userDomain:  make(map[uint32]uint32),
		proxyDomain: make(map[uint32]uint32),
		nextID:      1,
		thresholds:  DefaultThresholds(),
		bus:         bus,
		clk:         clk,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDomain allocates a new empty domain. IDs are monotonic from 1; 0
// always means "no domain".
func (m *Manager) CreateDomain(name string) uint32 {
	m.mu.Lock()
	id := m.createLocked(name)
	count := len(m.domains)
	m.mu.Unlock()

	m.mtx.IncDomainOperation("create")
	m.mtx.SetTrackedDomains(count)
	m.logger.Info("domain created", "domainId", id, "name", name)
	return id
}

// DeleteDomain removes a domain. Its users are re-homed to the lowest-id
// surviving domain; when no other domain exists and users remain, the delete
// is refused. Orphaned proxies are simply released.
func (m *Manager) DeleteDomain(id uint32) bool {
	m.mu.Lock()
	d, ok := m.domains[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	var target *Domain
	if len(d.Users) > 0 {
		for _, other := range m.sortedDomainsLocked() {
			if other.ID != id {
				target = other
				break
			}
		}
		if target == nil {
			m.mu.Unlock()
			m.logger.Warn("domain delete refused, users would be orphaned", "domainId", id)
			return false
		}
	}

	var pending []events.Event
	if target != nil {
		for _, userID := range d.Users {
			target.Users = append(target.Users, userID)
			m.userDomain[userID] = target.ID
			pending = append(pending, m.userMigratedEvent(userID, id, target.ID))
		}
	}
	for _, proxyID := range d.Proxies {
		delete(m.proxyDomain, proxyID)
	}
	delete(m.domains, id)
	count := len(m.domains)
	m.mu.Unlock()

	m.mtx.IncDomainOperation("delete")
	m.mtx.SetTrackedDomains(count)
	m.publish(pending)
	return true
}

// AddUser places a user into a domain, transparently removing it from a
// previous domain if any. No migration event is published; use MoveUser for
// an audited migration.
func (m *Manager) AddUser(domainID, userID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addUserLocked(domainID, userID)
}

// RemoveUser detaches a user from the given domain.
func (m *Manager) RemoveUser(domainID, userID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok || m.userDomain[userID] != domainID {
		return false
	}
	d.Users = removeID(d.Users, userID)
	delete(m.userDomain, userID)
	return true
}

// MoveUser migrates a user into newDomainID and publishes USER_MIGRATED with
// the old and new domain ids. Users not yet in any domain migrate from 0.
func (m *Manager) MoveUser(userID, newDomainID uint32) bool {
	m.mu.Lock()
	if _, ok := m.domains[newDomainID]; !ok {
		m.mu.Unlock()
		return false
	}
	oldID := m.userDomain[userID]
	if oldID == newDomainID {
		m.mu.Unlock()
		return true
	}
	m.addUserLocked(newDomainID, userID)
	ev := m.userMigratedEvent(userID, oldID, newDomainID)
	m.mu.Unlock()

	m.mtx.IncDomainOperation("migrate")
	m.publish([]events.Event{ev})
	return true
}

// AddProxy attaches a proxy to a domain, transparently reassigning it from a
// prior owner.
func (m *Manager) AddProxy(domainID, proxyID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok {
		return false
	}
	if prev, owned := m.proxyDomain[proxyID]; owned {
		if prev == domainID {
			return true
		}
		m.domains[prev].Proxies = removeID(m.domains[prev].Proxies, proxyID)
	}
	d.Proxies = append(d.Proxies, proxyID)
	m.proxyDomain[proxyID] = domainID
	return true
}

// RemoveProxy detaches a proxy from the given domain.
func (m *Manager) RemoveProxy(domainID, proxyID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok || m.proxyDomain[proxyID] != domainID {
		return false
	}
	d.Proxies = removeID(d.Proxies, proxyID)
	delete(m.proxyDomain, proxyID)
	return true
}

// SplitDomain splits a domain in two, moving the trailing half of its users
// (and, when the proxy count allows, the trailing half of its proxies) into a
// new domain named "<name>_split". Refuses with 0 when the domain has fewer
// than twice the minimum user count.
func (m *Manager) SplitDomain(id uint32) uint32 {
	m.mu.Lock()
	newID, ev, ok := m.splitLocked(id)
	count := len(m.domains)
	m.mu.Unlock()
	if !ok {
		return 0
	}

	m.mtx.IncDomainOperation("split")
	m.mtx.SetTrackedDomains(count)
	m.publish([]events.Event{ev})
	return newID
}

// MergeDomain folds domain b into domain a and deletes b. Returns a, or 0
// when either domain is missing.
func (m *Manager) MergeDomain(a, b uint32) uint32 {
	m.mu.Lock()
	ev, ok := m.mergeLocked(a, b)
	count := len(m.domains)
	m.mu.Unlock()
	if !ok {
		return 0
	}

	m.mtx.IncDomainOperation("merge")
	m.mtx.SetTrackedDomains(count)
	m.publish([]events.Event{ev})
	return a
}

// AutoRebalance splits every domain above the split threshold, then pairs up
// domains below the merge threshold and merges them two at a time. Returns
// the number of operations performed.
func (m *Manager) AutoRebalance() int {
	m.mu.Lock()

	var overloaded, underloaded []uint32
	for _, d := range m.sortedDomainsLocked() {
		switch {
		case d.LoadFactor > m.thresholds.SplitLoad:
			overloaded = append(overloaded, d.ID)
		case d.LoadFactor < m.thresholds.MergeLoad:
			underloaded = append(underloaded, d.ID)
		}
	}

	ops := 0
	var pending []events.Event
	for _, id := range overloaded {
		if _, ev, ok := m.splitLocked(id); ok {
			pending = append(pending, ev)
			ops++
		}
	}
	for len(underloaded) >= 2 {
		a, b := underloaded[0], underloaded[1]
		underloaded = underloaded[2:]
		if ev, ok := m.mergeLocked(a, b); ok {
			pending = append(pending, ev)
			ops++
		}
	}
	count := len(m.domains)
	m.mu.Unlock()

	if ops > 0 {
		m.mtx.IncDomainOperation("rebalance")
		m.mtx.SetTrackedDomains(count)
		m.logger.Info("domains rebalanced", "operations", ops)
	}
	m.publish(pending)
	return ops
}

// NeedsRebalancing reports whether any domain's load is outside the merge
// and split thresholds.
func (m *Manager) NeedsRebalancing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.LoadFactor > m.thresholds.SplitLoad || d.LoadFactor < m.thresholds.MergeLoad {
			return true
		}
	}
	return false
}

// UpdateLoadFactor sets a domain's load gauge, clamped to [0,1].
func (m *Manager) UpdateLoadFactor(id uint32, load float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return false
	}
	d.LoadFactor = math.Min(1.0, math.Max(0.0, load))
	return true
}

// SetShuffleFrequency sets a domain's shuffle interval.
func (m *Manager) SetShuffleFrequency(id uint32, freq time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return false
	}
	d.ShuffleFrequency = freq
	return true
}

// ShuffleFrequency returns a domain's shuffle interval, 0 when unknown.
func (m *Manager) ShuffleFrequency(id uint32) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.domains[id]; ok {
		return d.ShuffleFrequency
	}
	return 0
}

// AssignUserToDomain places a user by the active strategy and commits via
// AddUser. Returns the chosen domain id, 0 when no domain can take the user.
func (m *Manager) AssignUserToDomain(userID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.domains) == 0 {
		return 0
	}

	var target uint32
	if m.strategy != nil {
		target = m.strategy.Assign(userID, m.snapshotLocked())
		if _, ok := m.domains[target]; !ok {
			return 0
		}
	} else {
		switch m.mode {
		case AssignLoadAware:
			target = m.leastLoadedLocked()
		default:
			target = m.hashAssignLocked(userID)
		}
	}

	if !m.addUserLocked(target, userID) {
		return 0
	}
	return target
}

// SetAssignmentStrategy installs (or with nil clears) the custom placement
// policy.
func (m *Manager) SetAssignmentStrategy(s AssignmentStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = s
}

// SetAssignmentMode switches between the built-in placement policies.
func (m *Manager) SetAssignmentMode(mode AssignmentMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Domain returns a copy of one domain.
func (m *Manager) Domain(id uint32) (Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return Domain{}, false
	}
	return copyDomain(d), true
}

// Domains returns a copy of the full domain table.
func (m *Manager) Domains() map[uint32]Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// DomainIDs lists the existing domain ids, sorted.
func (m *Manager) DomainIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DomainOf returns the domain a user belongs to, 0 when unassigned.
func (m *Manager) DomainOf(userID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userDomain[userID]
}

// DomainOfProxy returns the domain a proxy belongs to, 0 when unassigned.
func (m *Manager) DomainOfProxy(proxyID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proxyDomain[proxyID]
}

// Thresholds returns the active sizing thresholds.
func (m *Manager) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// SetThresholds replaces the sizing thresholds.
func (m *Manager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

func (m *Manager) createLocked(name string) uint32 {
	id := m.nextID
	m.nextID++
	m.domains[id] = &Domain{
		ID:               id,
		Name:             name,
		ShuffleFrequency: defaultShuffleFrequency,
		CreatedAt:        m.clk.Now(),
	}
	return id
}

func (m *Manager) addUserLocked(domainID, userID uint32) bool {
	d, ok := m.domains[domainID]
	if !ok {
		return false
	}
	if prev, assigned := m.userDomain[userID]; assigned {
		if prev == domainID {
			return true
		}
		m.domains[prev].Users = removeID(m.domains[prev].Users, userID)
	}
	d.Users = append(d.Users, userID)
	m.userDomain[userID] = domainID
	return true
}

func (m *Manager) splitLocked(id uint32) (uint32, events.Event, bool) {
	d, ok := m.domains[id]
	if !ok || len(d.Users) < 2*m.thresholds.MinUsers {
		return 0, events.Event{}, false
	}

	newID := m.createLocked(d.Name + "_split")
	nd := m.domains[newID]

	half := len(d.Users) / 2
	moving := d.Users[len(d.Users)-half:]
	d.Users = d.Users[:len(d.Users)-half]
	for _, userID := range moving {
		nd.Users = append(nd.Users, userID)
		m.userDomain[userID] = newID
	}

	if len(d.Proxies) >= 2*m.thresholds.MinProxies {
		phalf := len(d.Proxies) / 2
		pmoving := d.Proxies[len(d.Proxies)-phalf:]
		d.Proxies = d.Proxies[:len(d.Proxies)-phalf]
		for _, proxyID := range pmoving {
			nd.Proxies = append(nd.Proxies, proxyID)
			m.proxyDomain[proxyID] = newID
		}
	}

	// Both halves carry half the original load until the next gauge update.
	d.LoadFactor /= 2
	nd.LoadFactor = d.LoadFactor
	nd.ShuffleFrequency = d.ShuffleFrequency

	ev := events.New(events.TypeDomainSplit, m.clk.Now()).
		With("domainId", formatID(id)).
		With("newDomainId", formatID(newID)).
		With("usersMoved", strconv.Itoa(len(moving)))
	return newID, ev, true
}

func (m *Manager) mergeLocked(a, b uint32) (events.Event, bool) {
	da, okA := m.domains[a]
	db, okB := m.domains[b]
	if !okA || !okB || a == b {
		return events.Event{}, false
	}

	for _, userID := range db.Users {
		da.Users = append(da.Users, userID)
		m.userDomain[userID] = a
	}
	for _, proxyID := range db.Proxies {
		da.Proxies = append(da.Proxies, proxyID)
		m.proxyDomain[proxyID] = a
	}
	da.LoadFactor = math.Min(1.0, da.LoadFactor+db.LoadFactor)
	delete(m.domains, b)

	ev := events.New(events.TypeDomainMerge, m.clk.Now()).
		With("domainId", formatID(a)).
		With("mergedDomainId", formatID(b))
	return ev, true
}

// hashAssignLocked maps hash(userID) mod domain count over the sorted domain
// id list, so the same user always lands on the same domain for a given
// table.
func (m *Manager) hashAssignLocked(userID uint32) uint32 {
	ids := make([]uint32, 0, len(m.domains))
	for id := range m.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := fnv.New32a()
	var buf [4]byte
	buf[0] = byte(userID)
	buf[1] = byte(userID >> 8)
	buf[2] = byte(userID >> 16)
	buf[3] = byte(userID >> 24)
	h.Write(buf[:])
	return ids[h.Sum32()%uint32(len(ids))]
}

func (m *Manager) leastLoadedLocked() uint32 {
	var best uint32
	bestLoad := math.MaxFloat64
	for _, d := range m.sortedDomainsLocked() {
		if d.LoadFactor < bestLoad {
			bestLoad = d.LoadFactor
			best = d.ID
		}
	}
	return best
}

func (m *Manager) sortedDomainsLocked() []*Domain {
	out := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) snapshotLocked() map[uint32]Domain {
	out := make(map[uint32]Domain, len(m.domains))
	for id, d := range m.domains {
		out[id] = copyDomain(d)
	}
	return out
}

func (m *Manager) userMigratedEvent(userID, oldID, newID uint32) events.Event {
	return events.New(events.TypeUserMigrated, m.clk.Now()).
		With("userId", formatID(userID)).
		With("oldDomainId", formatID(oldID)).
		With("newDomainId", formatID(newID))
}

func (m *Manager) publish(pending []events.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range pending {
		m.bus.Publish(ev)
	}
}

func copyDomain(d *Domain) Domain {
	out := *d
	out.Users = append([]uint32(nil), d.Users...)
	out.Proxies = append([]uint32(nil), d.Proxies...)
	return out
}

func removeID(ids []uint32, target uint32) []uint32 {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Package banman scores peer behavior and decides when a peer has
// misbehaved enough to be quarantined. Scoring is additive: penalties
// subtract, useful responses add back, and crossing the ban threshold
// quarantines the address for an exponentially growing, capped duration.
// The manager only decides; disconnecting and persisting the verdict is the
// caller's job.
package banman

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBanThreshold is the score at or below which a peer is
	// banned.
	DefaultBanThreshold = -100

	// DefaultBanDuration is the first quarantine period.
	DefaultBanDuration = 10 * time.Minute

	// DefaultMaxBanDuration caps quarantine growth for repeat offenders.
	DefaultMaxBanDuration = 24 * time.Hour

	// rewardDelta is the score credit for a useful in-deadline response.
	rewardDelta = 5

	// maxScore keeps well-behaved peers from building up so much credit
	// that later misbehavior never registers.
	maxScore = 100
)

// Reason classifies why a peer is being penalized.
type Reason uint8

const (
	// ProtocolViolation covers malformed or out-of-spec messages.
	ProtocolViolation Reason = iota

	// InvalidHeader covers headers that failed consensus validation.
	InvalidHeader

	// Timeout covers requests the peer failed to answer in time.
	Timeout

	// Useless covers responses that were well-formed but of no use, such
	// as headers not connecting to anything we know.
	Useless
)

// String returns a human-readable reason name.
func (r Reason) String() string {
	switch r {
	case ProtocolViolation:
		return "protocol violation"
	case InvalidHeader:
		return "invalid header"
	case Timeout:
		return "timeout"
	case Useless:
		return "useless response"
	}
	return "unknown"
}

// delta returns the score change a reason carries.
func (r Reason) delta() int32 {
	switch r {
	case ProtocolViolation:
		return -50
	case InvalidHeader:
		return -30
	case Timeout:
		return -10
	case Useless:
		return -5
	}
	return 0
}

// Config houses the manager's policy knobs.
type Config struct {
	// BanThreshold is the score at or below which a peer is banned.
	BanThreshold int32

	// BanDuration is the first quarantine period. Each further ban of
	// the same address doubles it, up to MaxBanDuration.
	BanDuration time.Duration

	// MaxBanDuration caps the quarantine period.
	MaxBanDuration time.Duration

	// Clock supplies the time. Defaults to the wall clock.
	Clock clock.Clock
}

// record is the per-address state.
type record struct {
	score    int32
	banCount int
	banUntil time.Time
}

// Manager tracks scores and ban state per address. It is safe for
// concurrent use.
type Manager struct {
	mtx sync.Mutex

	cfg   Config
	peers map[string]*record
}

// New constructs a manager, filling config defaults.
func New(cfg Config) *Manager {
	if cfg.BanThreshold >= 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.MaxBanDuration <= 0 {
		cfg.MaxBanDuration = DefaultMaxBanDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:   cfg,
		peers: make(map[string]*record),
	}
}

// Penalize applies the reason's score delta to the address. When the score
// crosses the ban threshold the address is quarantined and the verdict is
// returned so the caller can disconnect and persist it. The score resets on
// ban so the next offense after release starts a fresh count.
func (m *Manager) Penalize(addr string, reason Reason) (bool, time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec := m.record(addr)
	rec.score += reason.delta()

	if rec.score > m.cfg.BanThreshold {
		return false, time.Time{}
	}

	duration := m.cfg.BanDuration << rec.banCount
	if duration > m.cfg.MaxBanDuration || duration <= 0 {
		duration = m.cfg.MaxBanDuration
	}

	rec.banCount++
	rec.banUntil = m.cfg.Clock.Now().Add(duration)
	rec.score = 0

	return true, rec.banUntil
}

// Reward credits the address for a useful in-deadline response.
func (m *Manager) Reward(addr string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec := m.record(addr)
	rec.score += rewardDelta
	if rec.score > maxScore {
		rec.score = maxScore
	}
}

// IsBanned reports whether the address is currently quarantined and until
// when.
func (m *Manager) IsBanned(addr string) (bool, time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec, ok := m.peers[addr]
	if !ok {
		return false, time.Time{}
	}

	if m.cfg.Clock.Now().Before(rec.banUntil) {
		return true, rec.banUntil
	}
	return false, time.Time{}
}

// Score returns the address's current score.
func (m *Manager) Score(addr string) int32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec, ok := m.peers[addr]
	if !ok {
		return 0
	}
	return rec.score
}

// RestoreBan seeds ban state loaded from persistence, keeping quarantine
// across restarts.
func (m *Manager) RestoreBan(addr string, until time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec := m.record(addr)
	if until.After(rec.banUntil) {
		rec.banUntil = until
		rec.banCount++
	}
}

// record returns the state for addr, creating it on first touch. Callers
// must hold the lock.
func (m *Manager) record(addr string) *record {
	rec, ok := m.peers[addr]
	if !ok {
		rec = &record{}
		m.peers[addr] = rec
	}
	return rec
}

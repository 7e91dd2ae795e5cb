package leader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"focusdeck/internal/domain"
	"focusdeck/internal/models"

	"github.com/rs/zerolog"
)

// Bus message types for the timer leadership protocol.
const (
	MsgClaim     = "timer_claim"
	MsgHeartbeat = "timer_heartbeat"
	MsgStepDown  = "timer_step_down"
	MsgSession   = "timer_session"
)

type heartbeatPayload struct {
	Session *models.TimerSession `json:"session,omitempty"`
}

// Elector runs soft leader election over the broadcast bus so exactly one
// app instance drives the timer countdown. Leadership is advisory: a brief
// dual-leader window during races costs duplicate heartbeats, nothing more.
//
// Protocol: the leader heartbeats on an interval; followers claim when no
// heartbeat arrived within the timeout. A claim preempts the current leader
// unconditionally, so the most recent claim always wins and races collapse
// to a single leader within one heartbeat round.
type Elector struct {
	bus               domain.Bus
	log               zerolog.Logger
	heartbeatInterval time.Duration
	leaderTimeout     time.Duration

	mu       sync.Mutex
	isLeader bool
	leaderID string
	lastSeen time.Time
	session  *models.TimerSession

	onPromote func()
	onDemote  func()
	onSession func(models.TimerSession)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewElector wires the protocol handlers onto the bus. Call Start to begin
// participating.
func NewElector(bus domain.Bus, heartbeatInterval, leaderTimeout time.Duration, logger *zerolog.Logger) *Elector {
	if heartbeatInterval <= 0 {
		heartbeatInterval = models.DefaultHeartbeatInterval
	}
	if leaderTimeout <= heartbeatInterval {
		leaderTimeout = models.DefaultLeaderTimeout
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "leader").Str("self", bus.SenderID()).Logger()
	}

	e := &Elector{
		bus:               bus,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		leaderTimeout:     leaderTimeout,
	}

	bus.OnMessage(MsgClaim, e.handleClaim)
	bus.OnMessage(MsgHeartbeat, e.handleHeartbeat)
	bus.OnMessage(MsgStepDown, e.handleStepDown)
	bus.OnMessage(MsgSession, e.handleSession)

	return e
}

// OnPromote registers a callback fired when this instance becomes leader.
func (e *Elector) OnPromote(fn func()) { e.onPromote = fn }

// OnDemote registers a callback fired when this instance loses leadership.
func (e *Elector) OnDemote(fn func()) { e.onDemote = fn }

// OnSession registers a callback fired when a session snapshot arrives from
// the current leader.
func (e *Elector) OnSession(fn func(models.TimerSession)) { e.onSession = fn }

// Start launches the election loop. The first tick claims immediately when
// no leader has been heard from.
func (e *Elector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(runCtx)
}

// Stop steps down when leading and leaves the election.
func (e *Elector) Stop() {
	e.StepDown(context.Background())
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Elector) loop(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.Lock()
	leading := e.isLeader
	stale := e.leaderID == "" || time.Since(e.lastSeen) > e.leaderTimeout
	session := e.session
	e.mu.Unlock()

	if leading {
		e.refreshCountdown()
		if err := e.bus.Broadcast(ctx, MsgHeartbeat, heartbeatPayload{Session: session}); err != nil {
			e.log.Error().Err(err).Msg("broadcast heartbeat")
		}
		return
	}
	if stale {
		e.Claim(ctx)
	}
}

// Claim announces this instance as leader. The announcement preempts any
// current leader; promotion happens locally right away.
func (e *Elector) Claim(ctx context.Context) {
	e.mu.Lock()
	promoted := !e.isLeader
	e.isLeader = true
	e.leaderID = e.bus.SenderID()
	e.lastSeen = time.Now()
	session := e.session
	e.mu.Unlock()

	// The claim carries the claimant's session so followers converge on
	// it immediately instead of waiting for the first heartbeat.
	if err := e.bus.Broadcast(ctx, MsgClaim, heartbeatPayload{Session: session}); err != nil {
		e.log.Error().Err(err).Msg("broadcast claim")
	}
	if promoted {
		e.log.Info().Msg("claimed timer leadership")
		if e.onPromote != nil {
			e.onPromote()
		}
	}
}

// StepDown relinquishes leadership explicitly, letting followers take over
// without waiting out the timeout. Called on tab close.
func (e *Elector) StepDown(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	if e.leaderID == e.bus.SenderID() {
		e.leaderID = ""
	}
	e.mu.Unlock()

	if !wasLeader {
		return
	}
	if err := e.bus.Broadcast(ctx, MsgStepDown, nil); err != nil {
		e.log.Error().Err(err).Msg("broadcast step down")
	}
	e.log.Info().Msg("stepped down from timer leadership")
	if e.onDemote != nil {
		e.onDemote()
	}
}

// IsLeader reports whether this instance currently drives the countdown.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// State returns the current per-tab leadership view.
func (e *Elector) State() models.LeaderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.LeaderState{
		LeaderID:      e.leaderID,
		LastHeartbeat: e.lastSeen,
		Session:       cloneSession(e.session),
	}
}

// SetSession installs the session this leader drives and replicates it to
// followers immediately.
func (e *Elector) SetSession(ctx context.Context, session *models.TimerSession) {
	e.mu.Lock()
	e.session = cloneSession(session)
	leading := e.isLeader
	e.mu.Unlock()

	if !leading {
		return
	}
	if err := e.bus.Broadcast(ctx, MsgSession, heartbeatPayload{Session: session}); err != nil {
		e.log.Error().Err(err).Msg("broadcast session")
	}
}

// Session returns the latest replicated session snapshot, if any.
func (e *Elector) Session() *models.TimerSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(e.session)
}

func (e *Elector) handleClaim(msg domain.Message) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.leaderID = msg.SenderID
	e.lastSeen = time.Now()
	e.applySessionLocked(msg.Data)
	session := cloneSession(e.session)
	e.mu.Unlock()

	if wasLeader {
		e.log.Info().Str("leader", msg.SenderID).Msg("preempted by a newer claim")
		if e.onDemote != nil {
			e.onDemote()
		}
	}
	if session != nil && e.onSession != nil {
		e.onSession(*session)
	}
}

func (e *Elector) handleHeartbeat(msg domain.Message) {
	e.mu.Lock()
	// Two leaders can coexist briefly after a race. The heartbeat of a
	// peer settles it deterministically: the lexically larger id keeps
	// the role so both sides reach the same verdict.
	wasLeader := e.isLeader
	if wasLeader && e.bus.SenderID() > msg.SenderID {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.leaderID = msg.SenderID
	e.lastSeen = time.Now()
	e.applySessionLocked(msg.Data)
	session := cloneSession(e.session)
	e.mu.Unlock()

	if wasLeader {
		e.log.Info().Str("leader", msg.SenderID).Msg("yielded leadership to peer heartbeat")
		if e.onDemote != nil {
			e.onDemote()
		}
	}
	if session != nil && e.onSession != nil {
		e.onSession(*session)
	}
}

func (e *Elector) handleStepDown(msg domain.Message) {
	e.mu.Lock()
	vacated := e.leaderID == msg.SenderID
	if vacated {
		e.leaderID = ""
		e.lastSeen = time.Time{}
	}
	e.mu.Unlock()

	if !vacated {
		return
	}
	// Claim straight away instead of waiting out the timeout; concurrent
	// claimers collapse via the usual preemption rule.
	e.Claim(context.Background())
}

func (e *Elector) handleSession(msg domain.Message) {
	e.mu.Lock()
	e.applySessionLocked(msg.Data)
	session := cloneSession(e.session)
	e.mu.Unlock()

	if session != nil && e.onSession != nil {
		e.onSession(*session)
	}
}

func (e *Elector) applySessionLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	var payload heartbeatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		e.log.Error().Err(err).Msg("decode session payload")
		return
	}
	if payload.Session != nil {
		e.session = payload.Session
	}
}

// refreshCountdown recomputes remaining seconds from the wall clock so the
// replicated snapshot stays truthful even when ticks are delayed.
func (e *Elector) refreshCountdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.State != models.TimerRunning {
		return
	}
	remaining := int(time.Until(e.session.EndsAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	e.session.RemainingSeconds = remaining
}

func cloneSession(s *models.TimerSession) *models.TimerSession {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

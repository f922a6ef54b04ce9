// Package relay implements the central matching service: authenticated
// websocket sessions, the provider pool, the task queue and the opaque
// p2p relay channel between matched peers. The hub owns the
// authoritative task table; nothing else mutates it.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/protocol"
)

// Hub holds relay state. All three maps are guarded by mu; matching
// goroutines only hold it while picking or binding, never while waiting
// on an offer answer.
type Hub struct {
	log          *zap.Logger
	verifier     TokenVerifier
	journal      *Journal
	metrics      *Metrics
	offerTimeout time.Duration

	mu        sync.Mutex
	peers     map[string]*session
	providers map[string]*providerInfo
	tasks     map[string]*taskState
}

// providerInfo is the relay-side registration of a connected provider.
type providerInfo struct {
	peer         *session
	userID       string
	tools        []string
	workspaceIDs []string
	busy         bool
	lastOffered  time.Time
}

// taskState pairs a relay task with its live participants.
type taskState struct {
	task      *protocol.Task
	requester *session
	provider  *session

	declined  map[string]bool
	offeredTo string
	answer    chan bool
}

func NewHub(verifier TokenVerifier, journal *Journal, metrics *Metrics, offerTimeout time.Duration, log *zap.Logger) *Hub {
	return &Hub{
		log:          log,
		verifier:     verifier,
		journal:      journal,
		metrics:      metrics,
		offerTimeout: offerTimeout,
		peers:        map[string]*session{},
		providers:    map[string]*providerInfo{},
		tasks:        map[string]*taskState{},
	}
}

func (h *Hub) lock()   { h.mu.Lock() }
func (h *Hub) unlock() { h.mu.Unlock() }

// ── peer lifecycle ────────────────────────────────────────────────────────────

func (h *Hub) addPeer(s *session) {
	h.lock()
	h.peers[s.id] = s
	h.unlock()
	h.metrics.PeersConnected.Inc()
	h.log.Info("peer connected", zap.String("peer", s.id), zap.String("user", s.userID))
}

// removePeer tears down everything the peer owned. Active tasks it
// participated in funnel into the same cancellation transition as an
// explicit cancel_task.
func (h *Hub) removePeer(s *session) {
	h.lock()
	if _, ok := h.peers[s.id]; !ok {
		h.unlock()
		return
	}
	delete(h.peers, s.id)
	if _, ok := h.providers[s.id]; ok {
		delete(h.providers, s.id)
		h.metrics.ProvidersRegistered.Dec()
	}
	var affected []*taskState
	for _, ts := range h.tasks {
		if ts.task.Status.Terminal() {
			continue
		}
		if ts.requester == s || ts.provider == s {
			affected = append(affected, ts)
		}
		// An unanswered offer from a vanished provider counts as a decline.
		if ts.offeredTo == s.id && ts.answer != nil {
			select {
			case ts.answer <- false:
			default:
			}
		}
	}
	h.unlock()

	for _, ts := range affected {
		h.transitionCancelled(ts, "peer disconnected", s)
	}
	h.metrics.PeersConnected.Dec()
	h.log.Info("peer disconnected", zap.String("peer", s.id))
}

// ── registration ──────────────────────────────────────────────────────────────

func (h *Hub) registerProvider(s *session, p protocol.RegisterProviderPayload) {
	h.lock()
	s.role = roleProvider
	h.providers[s.id] = &providerInfo{
		peer:         s,
		userID:       p.UserID,
		tools:        p.Tools,
		workspaceIDs: p.WorkspaceIDs,
	}
	h.unlock()
	h.metrics.ProvidersRegistered.Inc()
	h.log.Info("provider registered",
		zap.String("peer", s.id),
		zap.Strings("tools", p.Tools),
		zap.Int("workspaces", len(p.WorkspaceIDs)))
}

func (h *Hub) registerRequester(s *session, p protocol.RegisterRequesterPayload) {
	h.lock()
	s.role = roleRequester
	s.workspaceID = p.WorkspaceID
	h.unlock()
	h.log.Info("requester registered", zap.String("peer", s.id), zap.String("workspace", p.WorkspaceID))
}

// ── publish & match ───────────────────────────────────────────────────────────

func (h *Hub) publishTask(s *session, p protocol.PublishTaskPayload) {
	task := &protocol.Task{
		ID:                protocol.NewTaskID(),
		RequesterID:       s.id,
		Tool:              p.Tool,
		Model:             p.Model,
		Description:       p.Description,
		WorkspaceID:       p.WorkspaceID,
		Credits:           p.Credits,
		EstimatedDuration: p.EstimatedDuration,
		Status:            protocol.StatusPending,
		CreatedAt:         time.Now(),
	}
	ts := &taskState{
		task:      task,
		requester: s,
		declined:  map[string]bool{},
		answer:    make(chan bool, 1),
	}

	h.lock()
	h.tasks[task.ID] = ts
	h.unlock()

	h.metrics.TasksPublished.Inc()
	h.journal.Record(context.Background(), task, "published")
	s.enqueue(protocol.Frame{Type: protocol.TypeTaskPublished, TaskID: task.ID})
	h.log.Info("task published",
		zap.String("task", task.ID),
		zap.String("tool", task.Tool),
		zap.String("workspace", task.WorkspaceID))

	go h.match(ts)
}

// match offers the task to eligible providers one at a time, in
// ascending last-offered order. A decline, a timeout or a vanished
// candidate moves to the next; exhaustion fails the task.
func (h *Hub) match(ts *taskState) {
	for {
		candidate := h.nextCandidate(ts)
		if candidate == nil {
			h.exhausted(ts)
			return
		}

		candidate.peer.enqueue(protocol.Frame{Type: protocol.TypeNewTask, Task: ts.task})
		h.log.Info("task offered",
			zap.String("task", ts.task.ID),
			zap.String("provider", candidate.peer.id))

		timer := time.NewTimer(h.offerTimeout)
		var accepted bool
		select {
		case accepted = <-ts.answer:
			timer.Stop()
		case <-timer.C:
			accepted = false
		}

		if accepted && h.bindProvider(ts, candidate) {
			return
		}

		h.lock()
		ts.declined[candidate.peer.id] = true
		ts.offeredTo = ""
		ts.task.Status = protocol.StatusPending
		h.unlock()
	}
}

// nextCandidate picks the least-recently-offered idle provider that
// advertises the tool and shares the task's workspace.
func (h *Hub) nextCandidate(ts *taskState) *providerInfo {
	h.lock()
	defer h.unlock()
	if ts.task.Status.Terminal() {
		return nil
	}
	var best *providerInfo
	for _, p := range h.providers {
		if p.busy || ts.declined[p.peer.id] {
			continue
		}
		if !contains(p.tools, ts.task.Tool) || !contains(p.workspaceIDs, ts.task.WorkspaceID) {
			continue
		}
		if best == nil || p.lastOffered.Before(best.lastOffered) {
			best = p
		}
	}
	if best != nil {
		best.lastOffered = time.Now()
		ts.offeredTo = best.peer.id
		ts.task.Status = protocol.StatusOffered
		// Drain a stale answer from a previous round.
		select {
		case <-ts.answer:
		default:
		}
	}
	return best
}

func (h *Hub) bindProvider(ts *taskState, p *providerInfo) bool {
	h.lock()
	if ts.task.Status.Terminal() {
		h.unlock()
		return false
	}
	ts.task.Status = protocol.StatusAccepted
	ts.task.ProviderID = p.peer.id
	ts.provider = p.peer
	ts.offeredTo = ""
	p.busy = true
	requester := ts.requester
	h.unlock()

	h.metrics.TasksMatched.Inc()
	h.journal.Record(context.Background(), ts.task, "matched")
	requester.enqueue(protocol.Frame{
		Type:       protocol.TypeTaskMatched,
		TaskID:     ts.task.ID,
		ProviderID: p.peer.id,
	})
	p.peer.enqueue(protocol.Frame{
		Type:        protocol.TypeTaskAccepted,
		TaskID:      ts.task.ID,
		RequesterID: requester.id,
	})
	h.log.Info("task matched",
		zap.String("task", ts.task.ID),
		zap.String("provider", p.peer.id))
	return true
}

func (h *Hub) exhausted(ts *taskState) {
	h.lock()
	if ts.task.Status.Terminal() {
		h.unlock()
		return
	}
	ts.task.Status = protocol.StatusFailed
	now := time.Now()
	ts.task.CompletedAt = &now
	requester := ts.requester
	h.unlock()

	h.metrics.TasksTerminal.WithLabelValues(string(protocol.StatusFailed)).Inc()
	h.journal.Record(context.Background(), ts.task, "no_providers")
	requester.enqueue(protocol.Frame{
		Type:  protocol.TypeNoProvidersAvailable,
		Tool:  ts.task.Tool,
		Model: ts.task.Model,
	})
	h.log.Info("no providers available", zap.String("task", ts.task.ID))
}

// answerOffer resolves a pending offer. Only the provider the task is
// currently offered to may answer.
func (h *Hub) answerOffer(s *session, taskID string, accepted bool) {
	h.lock()
	ts, ok := h.tasks[taskID]
	if !ok || ts.offeredTo != s.id {
		h.unlock()
		return
	}
	answer := ts.answer
	h.unlock()

	select {
	case answer <- accepted:
	default:
	}
}

// ── p2p relay ─────────────────────────────────────────────────────────────────

// relay forwards a p2p frame verbatim when the two peers are bound to a
// shared active task. The payload is never inspected.
func (h *Hub) relay(s *session, f protocol.Frame) {
	h.lock()
	target, online := h.peers[f.To]
	paired := false
	if f.From == s.id && online {
		for _, ts := range h.tasks {
			if ts.task.Status.Terminal() || ts.provider == nil {
				continue
			}
			if (ts.requester == s && ts.provider == target) ||
				(ts.provider == s && ts.requester == target) {
				paired = true
				if ts.task.Status == protocol.StatusAccepted {
					ts.task.Status = protocol.StatusInProgress
				}
				break
			}
		}
	}
	h.unlock()

	if !paired {
		s.enqueue(protocol.Frame{Type: protocol.TypeError, Reason: "no active task with peer"})
		return
	}
	h.metrics.P2PRelayed.Inc()
	target.enqueue(f)
}

// ── terminal transitions ──────────────────────────────────────────────────────

// cancelTask is the single cancellation transition: explicit cancel_task
// frames and socket closes both land here.
func (h *Hub) cancelTask(s *session, taskID, reason string) {
	h.lock()
	ts, ok := h.tasks[taskID]
	h.unlock()
	if !ok {
		return
	}
	h.transitionCancelled(ts, reason, s)
}

func (h *Hub) transitionCancelled(ts *taskState, reason string, by *session) {
	h.lock()
	if ts.task.Status.Terminal() {
		h.unlock()
		return
	}
	ts.task.Status = protocol.StatusCancelled
	now := time.Now()
	ts.task.CompletedAt = &now
	counterpart := ts.requester
	if by == ts.requester {
		counterpart = ts.provider
	}
	h.releaseProviderLocked(ts)
	// Pending offers die with the task.
	if ts.answer != nil {
		select {
		case ts.answer <- false:
		default:
		}
	}
	h.unlock()

	h.metrics.TasksTerminal.WithLabelValues(string(protocol.StatusCancelled)).Inc()
	h.journal.Record(context.Background(), ts.task, "cancelled")
	if counterpart != nil && counterpart != by {
		counterpart.enqueue(protocol.Frame{
			Type:   protocol.TypeTaskCancelled,
			TaskID: ts.task.ID,
			Reason: reason,
		})
	}
	h.log.Info("task cancelled",
		zap.String("task", ts.task.ID),
		zap.String("reason", reason))
}

// completeTask records the terminal outcome reported by a participant
// after the p2p exchange finished.
func (h *Hub) completeTask(s *session, f protocol.Frame) {
	status := protocol.TaskStatus(f.Status)
	if status != protocol.StatusCompleted && status != protocol.StatusFailed {
		return
	}

	h.lock()
	ts, ok := h.tasks[f.TaskID]
	if !ok || ts.task.Status.Terminal() || (ts.requester != s && ts.provider != s) {
		h.unlock()
		return
	}
	ts.task.Status = status
	now := time.Now()
	ts.task.CompletedAt = &now
	if f.Summary != "" {
		ts.task.CommitSummary = f.Summary
	}
	h.releaseProviderLocked(ts)
	h.unlock()

	h.metrics.TasksTerminal.WithLabelValues(string(status)).Inc()
	h.journal.Record(context.Background(), ts.task, string(status))
	h.log.Info("task finished",
		zap.String("task", ts.task.ID),
		zap.String("status", string(status)))
}

// releaseProviderLocked frees the bound provider for new offers.
// Callers hold the hub lock.
func (h *Hub) releaseProviderLocked(ts *taskState) {
	if ts.provider == nil {
		return
	}
	if p, ok := h.providers[ts.provider.id]; ok {
		p.busy = false
	}
}

// Task returns a copy of the task record, for tests and the journal.
func (h *Hub) Task(id string) (protocol.Task, bool) {
	h.lock()
	defer h.unlock()
	ts, ok := h.tasks[id]
	if !ok {
		return protocol.Task{}, false
	}
	return *ts.task, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Package session owns the lifecycle of one agent's interactive session:
// starting and resuming the transport, queueing commands, relaying output to
// the store and to clients, and enforcing the session time limit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/queue"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// DefaultHistoryLimit caps the history returned to a connecting client.
const DefaultHistoryLimit = 1000

// TransportFactory spawns the transport for an agent.
type TransportFactory func(ctx context.Context, spec agent.Spec, opts transport.SpawnOptions) (transport.Transport, error)

// Config holds the collaborators and limits of a Manager.
type Config struct {
	Agent        agent.Spec
	Store        Store
	Broadcaster  Broadcaster
	Files        FileTracker // optional
	NewTransport TransportFactory

	Queue        queue.Options
	Watchdog     WatchdogConfig
	HistoryLimit int
	Logger       *slog.Logger
}

// Manager is the single authority for one agent type's session. At most one
// session is active at a time. mu guards the lifecycle fields and is never
// held across transport or store I/O.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	session    *model.Session
	tr         transport.Transport
	queue      *queue.Queue
	clients    map[string]string // client id -> device id
	startedAt  time.Time
	priorTime  float64 // active seconds from earlier runs of a resumed session
	cancel     context.CancelFunc
	stopWatch  context.CancelFunc
	background sync.WaitGroup

	// emitMu orders persisted output against history snapshots taken for
	// connecting clients.
	emitMu sync.Mutex
}

// NewManager creates an idle manager.
func NewManager(cfg Config) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	cfg.Watchdog = cfg.Watchdog.withDefaults()
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = nopBroadcaster{}
	}

	return &Manager{
		cfg:     cfg,
		log:     logger.OrDefault(cfg.Logger).With("component", "session", "agent_type", cfg.Agent.Name),
		clients: make(map[string]string),
	}
}

// AgentType returns the agent this manager runs.
func (m *Manager) AgentType() string {
	return m.cfg.Agent.Name
}

// Agent returns the agent spec this manager runs.
func (m *Manager) Agent() agent.Spec {
	return m.cfg.Agent
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the active session's id, or "" when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.session == nil {
		return ""
	}
	return m.session.ID
}

// Start launches a new session in dir.
func (m *Manager) Start(ctx context.Context, dir, name string) (*model.Session, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}

	if err := checkDirectory(dir); err != nil {
		m.abort()
		return nil, err
	}

	now := time.Now()
	sess := &model.Session{
		ID:               uuid.New().String(),
		AgentType:        m.cfg.Agent.Name,
		Name:             name,
		StartTime:        now,
		WorkingDirectory: dir,
		Status:           model.SessionStatusActive,
		LastActivity:     now,
	}
	if sess.Name == "" {
		sess.Name = fmt.Sprintf("%s %s", m.cfg.Agent.DisplayName, now.Format("2006-01-02 15:04"))
	}

	if err := m.cfg.Store.CreateSession(ctx, sess); err != nil {
		m.log.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}

	if err := m.launch(ctx, sess, "", 0); err != nil {
		if derr := m.cfg.Store.DeleteSession(context.WithoutCancel(ctx), sess.ID); derr != nil {
			m.log.Warn("failed to remove session after spawn failure", "session_id", sess.ID, "error", derr)
		}
		return nil, err
	}

	m.log.Info("session started", "session_id", sess.ID, "dir", dir)
	return m.snapshot(sess), nil
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	Session      *model.Session
	History      []*model.Message
	MessageCount int
}

// Resume continues a stored session with the agent-side conversation
// identified by token. An empty token falls back to the one stored on the
// session; an empty dir falls back to the session's working directory.
func (m *Manager) Resume(ctx context.Context, sessionID, token, dir string) (*ResumeResult, error) {
	if !m.cfg.Agent.Resumable() {
		return nil, fmt.Errorf("%w: %s sessions cannot be resumed", model.ErrUnsupported, m.cfg.Agent.Name)
	}
	if err := m.begin(); err != nil {
		return nil, err
	}

	sess, err := m.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		m.abort()
		if errors.Is(err, model.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if token == "" {
		token = sess.AgentSessionID
	}
	if token == "" {
		m.abort()
		return nil, model.ErrNotResumable
	}
	if dir == "" {
		dir = sess.WorkingDirectory
	}
	if err := checkDirectory(dir); err != nil {
		m.abort()
		return nil, err
	}

	active := model.SessionStatusActive
	now := time.Now()
	sess.Status = active
	sess.EndTime = nil
	sess.WorkingDirectory = dir
	sess.AgentSessionID = token
	sess.LastActivity = now

	if err := m.launch(ctx, sess, token, sess.TotalActiveTime); err != nil {
		return nil, err
	}

	err = m.cfg.Store.UpdateSession(ctx, sess.ID, model.SessionUpdate{
		Status:           &active,
		ClearEndTime:     true,
		WorkingDirectory: &dir,
		AgentSessionID:   &token,
		LastActivity:     &now,
	})
	if err != nil {
		m.log.Error("failed to reactivate session", "session_id", sess.ID, "error", err)
	}

	m.persist(ctx, &model.Message{
		SessionID: sess.ID,
		Type:      model.MessageTypeSystem,
		Content:   fmt.Sprintf("Resuming %s session with agent API session ID: %s", m.cfg.Agent.Name, token),
	})

	history, err := m.cfg.Store.GetSessionMessages(ctx, sess.ID, m.cfg.HistoryLimit)
	if err != nil {
		m.log.Error("failed to load history", "session_id", sess.ID, "error", err)
	}

	m.log.Info("session resumed", "session_id", sess.ID, "messages", len(history))
	return &ResumeResult{
		Session:      m.snapshot(sess),
		History:      history,
		MessageCount: len(history),
	}, nil
}

// snapshot copies sess under the lock; the live record is shared with the
// output relay.
func (m *Manager) snapshot(sess *model.Session) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess.Clone()
}

// begin claims the Starting state.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := transition(m.state, TriggerStart)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}

// abort returns a Starting manager to Idle.
func (m *Manager) abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next, err := transition(m.state, TriggerAbort); err == nil {
		m.state = next
	}
}

// launch spawns the transport for sess and, on success, activates it and
// starts the background goroutines. On failure the manager is Idle again.
func (m *Manager) launch(ctx context.Context, sess *model.Session, resumeToken string, priorTime float64) error {
	tr, err := m.cfg.NewTransport(ctx, m.cfg.Agent, transport.SpawnOptions{
		SessionID:   sess.ID,
		WorkingDir:  sess.WorkingDirectory,
		ResumeToken: resumeToken,
	})
	if err != nil {
		m.abort()
		m.log.Error("failed to start transport", "session_id", sess.ID, "error", err)
		if !errors.Is(err, model.ErrTransportSpawnFailed) {
			err = fmt.Errorf("%w: %v", model.ErrTransportSpawnFailed, err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	watchCtx, stopWatch := context.WithCancel(runCtx)
	q := queue.New(m.cfg.Queue)

	m.mu.Lock()
	next, err := transition(m.state, TriggerSpawned)
	if err != nil {
		m.mu.Unlock()
		stopWatch()
		cancel()
		tr.Close(ctx, false)
		return err
	}
	m.state = next
	m.session = sess
	m.tr = tr
	m.queue = q
	m.startedAt = time.Now()
	m.priorTime = priorTime
	m.cancel = cancel
	m.stopWatch = stopWatch

	m.background.Add(2)
	go m.relayOutput(runCtx, sess.ID, tr)
	go m.consumeCommands(runCtx, sess.ID, q, tr)
	go m.watch(watchCtx, sess.ID, m.startedAt, m.cfg.Watchdog)
	m.mu.Unlock()

	if m.cfg.Files != nil {
		if err := m.cfg.Files.StartWatching(sess.ID, sess.WorkingDirectory); err != nil {
			m.log.Warn("file tracking unavailable", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

// ConnectResult is returned by ConnectClient.
type ConnectResult struct {
	SessionID        string           `json:"session_id"`
	History          []*model.Message `json:"history"`
	WorkingDirectory string           `json:"working_directory"`
	RemainingSeconds float64          `json:"session_time_remaining"`
	Scrollback       string           `json:"scrollback,omitempty"`
}

// ConnectClient registers a client with the active session and returns its
// history. subscribe, when set, is called while output is held back so the
// client's live feed starts exactly where the history ends.
func (m *Manager) ConnectClient(ctx context.Context, clientID, deviceID string, subscribe func(sessionID string)) (*ConnectResult, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, model.ErrNoActiveSession
	}
	m.clients[clientID] = deviceID
	res := &ConnectResult{
		SessionID:        m.session.ID,
		WorkingDirectory: m.session.WorkingDirectory,
		RemainingSeconds: m.remainingLocked().Seconds(),
	}
	tr := m.tr
	m.mu.Unlock()

	m.emitMu.Lock()
	history, err := m.cfg.Store.GetSessionMessages(ctx, res.SessionID, m.cfg.HistoryLimit)
	if err != nil {
		m.log.Error("failed to load history", "session_id", res.SessionID, "error", err)
	}
	if subscribe != nil {
		subscribe(res.SessionID)
	}
	m.emitMu.Unlock()

	if history == nil {
		history = []*model.Message{}
	}
	res.History = history
	if sb, ok := tr.(transport.Scrollbacker); ok {
		res.Scrollback = string(sb.Scrollback())
	}

	m.log.Info("client connected", "client_id", clientID, "session_id", res.SessionID, "history", len(history))
	return res, nil
}

// DisconnectClient forgets a client. It is safe to call for unknown ids.
func (m *Manager) DisconnectClient(clientID string) {
	m.mu.Lock()
	_, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()

	if ok {
		m.log.Info("client disconnected", "client_id", clientID)
	}
}

// SendCommand queues a command for the agent. It waits only for queue room.
func (m *Manager) SendCommand(ctx context.Context, text, clientID, deviceID string) error {
	return m.enqueue(ctx, queue.Command{Text: text, ClientID: clientID, DeviceID: deviceID})
}

// SendStreamingCommand queues a command that is dispatched without waiting
// for the agent's turn to finish.
func (m *Manager) SendStreamingCommand(ctx context.Context, text, clientID, deviceID string) error {
	return m.enqueue(ctx, queue.Command{Text: text, ClientID: clientID, DeviceID: deviceID, Streaming: true})
}

func (m *Manager) enqueue(ctx context.Context, cmd queue.Command) error {
	if strings.TrimSpace(cmd.Text) == "" {
		return model.ErrEmptyCommand
	}

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return model.ErrNoActiveSession
	}
	q, tr := m.queue, m.tr
	m.mu.Unlock()

	if cmd.Streaming {
		if _, ok := tr.(transport.StreamingSender); !ok {
			return fmt.Errorf("%w: streaming commands", model.ErrUnsupported)
		}
	}

	if err := q.Put(ctx, cmd); err != nil {
		m.log.Warn("command rejected", "client_id", cmd.ClientID, "error", err)
		return err
	}
	m.log.Debug("command queued", "client_id", cmd.ClientID, "depth", q.Len())
	return nil
}

// SendEnter presses Enter in the agent's terminal.
func (m *Manager) SendEnter(ctx context.Context, clientID, deviceID string) error {
	return m.sendKeys(ctx, []byte(keyEnter), "[Enter Key]", deviceID)
}

// SendBackspace presses Backspace count times.
func (m *Manager) SendBackspace(ctx context.Context, clientID, deviceID string, count int) error {
	if count < 1 {
		count = 1
	}
	label := fmt.Sprintf("[Backspace Key x%d]", count)
	return m.sendKeys(ctx, []byte(strings.Repeat(keyBackspace, count)), label, deviceID)
}

// SendKeys writes a raw key sequence without recording it in history.
func (m *Manager) SendKeys(ctx context.Context, keys string) error {
	return m.sendKeys(ctx, []byte(keys), "", "")
}

const (
	keyEnter     = "\r"
	keyBackspace = "\x7f"
)

func (m *Manager) sendKeys(ctx context.Context, keys []byte, label, deviceID string) error {
	sessionID, tr, err := m.active()
	if err != nil {
		return err
	}
	w, ok := tr.(transport.RawWriter)
	if !ok {
		return fmt.Errorf("%w: raw keys", model.ErrUnsupported)
	}

	if label != "" {
		m.persist(ctx, &model.Message{
			SessionID: sessionID,
			Type:      model.MessageTypeUser,
			Content:   label,
			DeviceID:  deviceID,
		})
	}
	return w.WriteRaw(keys)
}

// Resize changes the agent terminal's size.
func (m *Manager) Resize(rows, cols uint16) error {
	_, tr, err := m.active()
	if err != nil {
		return err
	}
	r, ok := tr.(transport.Resizer)
	if !ok {
		return fmt.Errorf("%w: resize", model.ErrUnsupported)
	}
	return r.Resize(rows, cols)
}

func (m *Manager) active() (string, transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return "", nil, model.ErrNoActiveSession
	}
	return m.session.ID, m.tr, nil
}

// EndResult is returned by End.
type EndResult struct {
	SessionID string `json:"session_id"`
	Archived  bool   `json:"archived"`
}

// End stops the active session. With graceful set the agent's exit command
// is sent first and the session is archived as completed rather than
// terminated. A session without messages is deleted instead of archived.
func (m *Manager) End(ctx context.Context, graceful bool) (*EndResult, error) {
	return m.end(ctx, graceful, "")
}

// end stops the session; when onlyID is set it is a no-op unless that
// session is the one active.
func (m *Manager) end(ctx context.Context, graceful bool, onlyID string) (*EndResult, error) {
	m.mu.Lock()
	if onlyID != "" && (m.session == nil || m.session.ID != onlyID) {
		m.mu.Unlock()
		return nil, model.ErrNoActiveSession
	}
	next, err := transition(m.state, TriggerEnd)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.state = next
	sess, tr, q := m.session, m.tr, m.queue
	cancel, stopWatch := m.cancel, m.stopWatch
	activeSecs := m.priorTime + time.Since(m.startedAt).Seconds()
	m.mu.Unlock()

	log := m.log.With("session_id", sess.ID)
	log.Info("ending session", "graceful", graceful)

	stopWatch()
	if err := tr.Close(ctx, graceful); err != nil {
		log.Warn("transport did not close cleanly", "error", err)
	}
	cancel()
	m.background.Wait()

	if dropped := q.Drain(); len(dropped) > 0 {
		log.Warn("dropped queued commands", "count", len(dropped))
	}
	if m.cfg.Files != nil {
		m.cfg.Files.StopWatching(sess.ID)
	}

	storeCtx := context.WithoutCancel(ctx)
	archived, err := m.cfg.Store.HasMessages(storeCtx, sess.ID)
	if err != nil {
		log.Error("failed to check session messages", "error", err)
		archived = true
	}

	status := model.SessionStatusTerminated
	final := TriggerTerminate
	if graceful {
		status = model.SessionStatusCompleted
		final = TriggerComplete
	}

	if archived {
		end := time.Now()
		err = m.cfg.Store.UpdateSession(storeCtx, sess.ID, model.SessionUpdate{
			EndTime:         &end,
			Status:          &status,
			TotalActiveTime: &activeSecs,
		})
		if err != nil {
			log.Error("failed to finalize session", "error", err)
		}
	} else if err := m.cfg.Store.DeleteSession(storeCtx, sess.ID); err != nil {
		log.Error("failed to delete empty session", "error", err)
	}

	m.mu.Lock()
	if next, err := transition(m.state, final); err == nil {
		m.state = next
	}
	if next, err := transition(m.state, TriggerReset); err == nil {
		m.state = next
	}
	m.session = nil
	m.tr = nil
	m.queue = nil
	m.cancel = nil
	m.stopWatch = nil
	m.clients = make(map[string]string)
	m.mu.Unlock()

	m.publish(closedNotification(sess.ID, m.cfg.Agent.Name, archived))
	log.Info("session ended", "status", status, "archived", archived)

	return &EndResult{SessionID: sess.ID, Archived: archived}, nil
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	AgentType        string  `json:"agent_type"`
	State            string  `json:"state"`
	Active           bool    `json:"active"`
	SessionID        string  `json:"session_id,omitempty"`
	ConnectedClients int     `json:"connected_clients"`
	ElapsedSeconds   float64 `json:"elapsed_time"`
	RemainingSeconds float64 `json:"remaining_time"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
	QueueDepth       int     `json:"command_queue_size"`
	TransportReady   bool    `json:"agent_ready"`
	Transport        string  `json:"transport"`
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		AgentType: m.cfg.Agent.Name,
		State:     m.state.String(),
		Transport: string(m.cfg.Agent.Transport),
	}
	if m.state != StateActive {
		return st
	}

	st.Active = true
	st.SessionID = m.session.ID
	st.ConnectedClients = len(m.clients)
	st.ElapsedSeconds = time.Since(m.startedAt).Seconds()
	st.RemainingSeconds = m.remainingLocked().Seconds()
	st.WorkingDirectory = m.session.WorkingDirectory
	st.QueueDepth = m.queue.Len()
	st.TransportReady = m.tr.IsReady()
	return st
}

func (m *Manager) remainingLocked() time.Duration {
	left := m.cfg.Watchdog.MaxDuration - time.Since(m.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// ListSessions returns stored sessions for this agent, newest first.
func (m *Manager) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	return m.cfg.Store.ListSessions(ctx, limit, offset)
}

// SessionDetail returns a stored session with its messages.
func (m *Manager) SessionDetail(ctx context.Context, id string) (*model.Session, []*model.Message, error) {
	sess, err := m.cfg.Store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.cfg.Store.GetSessionMessages(ctx, id, m.cfg.HistoryLimit)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// DeleteSession removes a stored session. The active session cannot be
// deleted.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if m.SessionID() == id {
		return fmt.Errorf("%w: end the session before deleting it", model.ErrAlreadyRunning)
	}
	return m.cfg.Store.DeleteSession(ctx, id)
}

func (m *Manager) publish(notes ...Notification) {
	for _, n := range notes {
		m.cfg.Broadcaster.Emit(n.Room, n.Event, n.Payload)
	}
}

// persist saves msg, logging rather than returning store failures.
func (m *Manager) persist(ctx context.Context, msg *model.Message) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	return m.saveLocked(ctx, msg)
}

func (m *Manager) saveLocked(ctx context.Context, msg *model.Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := m.cfg.Store.SaveMessage(context.WithoutCancel(ctx), msg); err != nil {
		m.log.Error("failed to save message", "session_id", msg.SessionID, "type", msg.Type, "error", err)
		return false
	}
	return true
}

func checkDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: no working directory given", model.ErrDirectoryNotFound)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", model.ErrDirectoryNotFound, dir)
	}
	return nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) Emit(string, string, any) {}

package audit

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meridian-audit")

// Logger is the audit logging system. A nil *Logger discards every event.
type Logger struct {
	config Config
	sink   Sink

	mu sync.RWMutex

	// Event buffer for batch writing
	eventChan chan *Event
	buffer    []*Event
	stopped   bool

	// Statistics
	stats   LoggerStats
	dropped int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds audit logger configuration.
type Config struct {
	// ServerID identifies this instance.
	ServerID string

	// Sink receives the events (defaults to JSON lines on stdout).
	Sink Sink

	// BufferSize is the event buffer size for async processing.
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	FlushInterval time.Duration

	// DefaultRetentionDays is the default retention period.
	DefaultRetentionDays int

	// RetentionByCategory allows different retention per event category.
	RetentionByCategory map[string]int

	// MinSeverity is the minimum severity to log.
	MinSeverity Severity

	// SyncWrites forces synchronous writes (slower but safer).
	SyncWrites bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:           10000,
		FlushInterval:        5 * time.Second,
		DefaultRetentionDays: 90,
		RetentionByCategory: map[string]int{
			"api":       365,
			"billing":   730, // kept as long as the invoices they explain
			"reconcile": 90,
			"outage":    365,
			"system":    30,
		},
		MinSeverity: SeverityInfo,
	}
}

// LoggerStats holds audit logger statistics.
type LoggerStats struct {
	EventsLogged  int64
	EventsDropped int64
	BufferSize    int
	WriteErrors   int64
}

// NewLogger creates a new audit logger.
func NewLogger(config Config) *Logger {
	if config.Sink == nil {
		config.Sink = NewWriterSink(os.Stdout, true)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Logger{
		config:    config,
		sink:      config.Sink,
		eventChan: make(chan *Event, config.BufferSize),
		buffer:    make([]*Event, 0, 1000),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the audit logger.
func (l *Logger) Start(version string) error {
	l.LogEvent(&Event{
		Type:    EventSystemStart,
		Success: true,
		Metadata: map[string]string{
			"version": version,
		},
	})

	if !l.config.SyncWrites {
		l.wg.Add(1)
		go l.processEvents()
	}

	l.wg.Add(1)
	go l.flushLoop()

	return nil
}

// Stop flushes pending events and closes the sink.
func (l *Logger) Stop() error {
	l.LogEvent(&Event{
		Type:    EventSystemStop,
		Success: true,
	})

	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.cancel()
	close(l.eventChan)
	l.wg.Wait()

	l.flush()

	return l.sink.Close()
}

// LogEvent logs a single audit event.
func (l *Logger) LogEvent(event *Event) {
	if l == nil {
		return
	}
	l.prepareEvent(event)

	if !l.shouldLog(event) {
		return
	}

	if l.config.SyncWrites {
		l.writeEvents([]*Event{event})
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return
	}
	select {
	case l.eventChan <- event:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// prepareEvent fills in default fields.
func (l *Logger) prepareEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ServerID == "" {
		event.ServerID = l.config.ServerID
	}

	category := event.Type.Category()
	if days, ok := l.config.RetentionByCategory[category]; ok {
		event.RetentionDays = days
	} else {
		event.RetentionDays = l.config.DefaultRetentionDays
	}
	event.ExpiresAt = event.Timestamp.AddDate(0, 0, event.RetentionDays)
}

// shouldLog checks if an event should be logged based on config.
func (l *Logger) shouldLog(event *Event) bool {
	return event.Type.GetSeverity() >= l.config.MinSeverity
}

// writeEvents hands a batch to the sink.
func (l *Logger) writeEvents(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.sink.Write(ctx, events)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.stats.WriteErrors++
		log.Warnf("Failed to write %d audit events: %v", len(events), err)
		return
	}
	l.stats.EventsLogged += int64(len(events))
}

// processEvents processes events from the channel.
func (l *Logger) processEvents() {
	defer l.wg.Done()

	for event := range l.eventChan {
		l.mu.Lock()
		l.buffer = append(l.buffer, event)
		bufLen := len(l.buffer)
		l.mu.Unlock()

		if bufLen >= cap(l.buffer)*80/100 {
			l.flush()
		}
	}
}

// flushLoop periodically flushes the buffer.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush writes buffered events.
func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}

	events := l.buffer
	l.buffer = make([]*Event, 0, 1000)
	l.mu.Unlock()

	l.writeEvents(events)
}

// Stats returns logger statistics.
func (l *Logger) Stats() LoggerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := l.stats
	stats.EventsDropped = atomic.LoadInt64(&l.dropped)
	stats.BufferSize = len(l.buffer)
	return stats
}

// Helper methods for common event types

// LogSubscriptionActivated records a billing activation.
func (l *Logger) LogSubscriptionActivated(ctx context.Context, customerID, subscriptionID, packageID int64, actorID string) {
	l.LogEvent(&Event{
		Type:           EventSubscriptionActivated,
		ActorID:        actorID,
		ActorType:      "user",
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Success:        true,
		Metadata: map[string]string{
			"package_id": strconv.FormatInt(packageID, 10),
		},
	})
}

// LogSubscriptionExpired records an expiry applied by the sweep.
func (l *Logger) LogSubscriptionExpired(ctx context.Context, customerID, subscriptionID int64) {
	l.LogEvent(&Event{
		Type:           EventSubscriptionExpired,
		ActorType:      "system",
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Success:        true,
	})
}

// LogReconcileStep records one device step of a reconciliation.
func (l *Logger) LogReconcileStep(ctx context.Context, customerID int64, step, outcome string, err error) {
	event := &Event{
		Type:       EventReconcileStep,
		CustomerID: customerID,
		Step:       step,
		Outcome:    outcome,
		Success:    err == nil,
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	l.LogEvent(event)
}

// LogReconcileCompleted records the status a reconciliation ended in.
func (l *Logger) LogReconcileCompleted(ctx context.Context, customerID, subscriptionID int64, status, detail string) {
	l.LogEvent(&Event{
		Type:           EventReconcileCompleted,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Outcome:        status,
		Success:        status == "synced",
		ErrorMessage:   detail,
	})
}

// LogOutageTransition records a monitoring state change.
func (l *Logger) LogOutageTransition(ctx context.Context, customerID int64, from, to string) {
	l.LogEvent(&Event{
		Type:       EventOutageTransition,
		ActorType:  "system",
		CustomerID: customerID,
		FromState:  from,
		ToState:    to,
		Success:    true,
	})
}

// LogTicketCreated records an automatically opened ticket.
func (l *Logger) LogTicketCreated(ctx context.Context, customerID int64, ticketID string) {
	l.LogEvent(&Event{
		Type:       EventTicketCreated,
		ActorType:  "system",
		CustomerID: customerID,
		TicketID:   ticketID,
		Success:    true,
	})
}

// LogOutageResolved records a technician closing an incident.
func (l *Logger) LogOutageResolved(ctx context.Context, customerID int64, ticketID, technician string) {
	l.LogEvent(&Event{
		Type:       EventOutageResolved,
		ActorID:    technician,
		ActorType:  "user",
		CustomerID: customerID,
		TicketID:   ticketID,
		Success:    true,
	})
}

// LogCustomerConfirmed records a customer's answer to the outage question.
func (l *Logger) LogCustomerConfirmed(ctx context.Context, customerID int64, localIssue bool) {
	l.LogEvent(&Event{
		Type:       EventCustomerConfirmed,
		ActorType:  "customer",
		CustomerID: customerID,
		Success:    true,
		Metadata: map[string]string{
			"local_issue": strconv.FormatBool(localIssue),
		},
	})
}

package service

import (
	"community_lending/internal/domain"
	"community_lending/internal/processor"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrDispatcherClosed = errors.New("message dispatcher closed")

var (
	_ processor.MessageSink = (*MessageDispatcher)(nil)
	_ Deliverer             = (*MemoryFeed)(nil)
	_ Deliverer             = (*LogDeliverer)(nil)
)

// Deliverer hands a message to one destination.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, msg domain.LoanMessage) error
}

// MessageDispatcher fans loan messages out to deliverers on a pool of
// workers so that publishing never waits on a destination.
type MessageDispatcher struct {
	deliverers   []Deliverer
	messageQueue chan domain.LoanMessage
	workers      int
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	logger       *slog.Logger
}

func NewMessageDispatcher(workers, queueSize int, logger *slog.Logger, deliverers ...Deliverer) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	dispatcher := &MessageDispatcher{
		deliverers:   deliverers,
		messageQueue: make(chan domain.LoanMessage, queueSize),
		workers:      workers,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}

	dispatcher.startWorkers()

	return dispatcher
}

// Publish queues messages for delivery. It blocks only while the queue is
// full.
func (d *MessageDispatcher) Publish(ctx context.Context, messages []domain.LoanMessage) {
	for _, msg := range messages {
		if err := d.Enqueue(ctx, msg); err != nil {
			d.logger.WarnContext(ctx, "Loan message dropped",
				slog.String("message_id", msg.ID),
				slog.String("user_id", msg.UserID),
				slog.String("error", err.Error()))
		}
	}
}

func (d *MessageDispatcher) Enqueue(ctx context.Context, msg domain.LoanMessage) error {
	select {
	case <-d.shutdownChan:
		return ErrDispatcherClosed
	default:
	}

	select {
	case d.messageQueue <- msg:
		d.logger.DebugContext(ctx, "Loan message queued",
			slog.String("kind", string(msg.Kind)),
			slog.String("user_id", msg.UserID),
			slog.String("loan_id", msg.LoanID))
		return nil
	case <-d.shutdownChan:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MessageDispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

func (d *MessageDispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("Message worker started", slog.Int("worker_id", id))

	for {
		select {
		case msg := <-d.messageQueue:
			d.deliver(msg, id)
		case <-d.shutdownChan:
			d.drain(id)
			d.logger.Debug("Message worker stopping", slog.Int("worker_id", id))
			return
		}
	}
}

// drain delivers whatever is still queued at shutdown.
func (d *MessageDispatcher) drain(workerID int) {
	for {
		select {
		case msg := <-d.messageQueue:
			d.deliver(msg, workerID)
		default:
			return
		}
	}
}

func (d *MessageDispatcher) deliver(msg domain.LoanMessage, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, deliverer := range d.deliverers {
		startTime := time.Now()
		err := deliverer.Deliver(ctx, msg)
		duration := time.Since(startTime)

		if err != nil {
			d.logger.Error("Failed to deliver loan message",
				slog.String("deliverer", deliverer.Name()),
				slog.String("message_id", msg.ID),
				slog.String("user_id", msg.UserID),
				slog.String("error", err.Error()),
				slog.Int("worker_id", workerID),
				slog.Duration("duration", duration))
			continue
		}
		d.logger.Debug("Loan message delivered",
			slog.String("deliverer", deliverer.Name()),
			slog.String("message_id", msg.ID),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	}
}

// Shutdown stops accepting messages and waits for queued ones to be
// delivered.
func (d *MessageDispatcher) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.shutdownChan) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Message dispatcher shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("message dispatcher shutdown: %w", ctx.Err())
	}
}

// MemoryFeed keeps the most recent messages of every user for the in-app
// feed.
type MemoryFeed struct {
	mu      sync.RWMutex
	perUser int
	byUser  map[string][]domain.LoanMessage
}

func NewMemoryFeed(perUser int) *MemoryFeed {
	if perUser <= 0 {
		perUser = 100
	}
	return &MemoryFeed{
		perUser: perUser,
		byUser:  make(map[string][]domain.LoanMessage),
	}
}

func (f *MemoryFeed) Name() string { return "feed" }

func (f *MemoryFeed) Deliver(ctx context.Context, msg domain.LoanMessage) error {
	if msg.UserID == "" {
		return fmt.Errorf("message %s has no recipient", msg.ID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	messages := append(f.byUser[msg.UserID], msg)
	if over := len(messages) - f.perUser; over > 0 {
		messages = append([]domain.LoanMessage(nil), messages[over:]...)
	}
	f.byUser[msg.UserID] = messages
	return nil
}

// Messages returns up to limit of the user's messages, newest first.
func (f *MemoryFeed) Messages(userID string, limit int) []domain.LoanMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stored := f.byUser[userID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}
	out := make([]domain.LoanMessage, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, stored[i])
	}
	return out
}

// LogDeliverer writes every message to the structured log.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDeliverer{logger: logger}
}

func (l *LogDeliverer) Name() string { return "log" }

func (l *LogDeliverer) Deliver(ctx context.Context, msg domain.LoanMessage) error {
	l.logger.InfoContext(ctx, "Loan message",
		slog.String("kind", string(msg.Kind)),
		slog.String("user_id", msg.UserID),
		slog.String("loan_id", msg.LoanID),
		slog.String("text", msg.Text))
	return nil
}

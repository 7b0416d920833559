package events

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"repowatch/internal/domain"
)

const (
	ScanSucceededKind string = "repowatch.events.scan.succeeded"
	ScanFailedKind    string = "repowatch.events.scan.failed"
	eventSource       string = "repowatch.orchestrator"

	defaultBufferSize = 256
	closeTimeout      = 5 * time.Second
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, e cloudevents.Event) error
	Close(ctx context.Context) error
}

type ProducerOptions func(p *Producer)

func WithBufferSize(n int) ProducerOptions {
	return func(p *Producer) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// Producer turns terminal scan jobs into CloudEvents and hands them to a
// Writer from its own goroutine, so a slow writer never stalls a scan worker.
// Events are dropped (and logged) when the buffer is full.
type Producer struct {
	writer     Writer
	bufferSize int
	ch         chan cloudevents.Event
	doneCh     chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewProducer(w Writer, opts ...ProducerOptions) *Producer {
	p := &Producer{
		writer:     w,
		bufferSize: defaultBufferSize,
		doneCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.ch = make(chan cloudevents.Event, p.bufferSize)
	go p.run()
	return p
}

type scanPayload struct {
	JobID      string     `json:"job_id"`
	Repository string     `json:"repository"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Attempts   int        `json:"attempts"`
	Findings   int        `json:"findings"`
	Error      string     `json:"error,omitempty"`
}

// Publish implements ports.JobEvents.
func (p *Producer) Publish(_ context.Context, job domain.ScanJob) {
	kind := ScanSucceededKind
	payload := scanPayload{
		JobID:      job.ID,
		Repository: job.RepositoryName,
		Status:     string(job.Status),
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Attempts:   job.Attempts,
		Findings:   job.Findings,
	}
	if job.Status == domain.JobFailed {
		kind = ScanFailedKind
		if job.Err != nil {
			payload.Error = job.Err.Error()
		}
	}

	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(eventSource)
	e.SetType(kind)
	e.SetSubject(job.RepositoryName)
	e.SetTime(time.Now())
	if err := e.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		zap.S().Named("events").Errorw("failed to encode event", "repository", job.RepositoryName, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- e:
	default:
		zap.S().Named("events").Warnw("event buffer full, dropping event", "type", kind, "repository", job.RepositoryName)
	}
}

func (p *Producer) run() {
	defer close(p.doneCh)
	for e := range p.ch {
		if err := p.writer.Write(context.Background(), e); err != nil {
			zap.S().Named("events").Errorw("failed to write event", "type", e.Type(), "error", err)
		}
	}
}

// Close flushes buffered events and closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		zap.S().Named("events").Warn("timed out flushing events")
	}
	if err := p.writer.Close(ctx); err != nil {
		zap.S().Named("events").Errorw("event producer closed with error", "error", err)
		return err
	}
	zap.S().Named("events").Info("event producer closed")
	return nil
}

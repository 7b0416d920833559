package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"repowatch/internal/domain"
	"repowatch/internal/events"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []cloudevents.Event
	closed bool
}

func (w *recordingWriter) Write(_ context.Context, e cloudevents.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return nil
}

func (w *recordingWriter) Close(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) snapshot() []cloudevents.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]cloudevents.Event(nil), w.events...)
}

var _ = Describe("Producer", func() {
	var (
		writer   *recordingWriter
		producer *events.Producer
	)

	BeforeEach(func() {
		writer = &recordingWriter{}
		producer = events.NewProducer(writer)
	})

	AfterEach(func() {
		Expect(producer.Close()).To(Succeed())
	})

	It("publishes a succeeded scan", func() {
		finished := time.Now()
		producer.Publish(context.TODO(), domain.ScanJob{
			ID:             "job-1",
			RepositoryName: "alpha",
			Status:         domain.JobSucceeded,
			StartedAt:      finished.Add(-time.Minute),
			FinishedAt:     &finished,
			Attempts:       1,
			Findings:       2,
		})

		Eventually(writer.snapshot).Should(HaveLen(1))
		e := writer.snapshot()[0]
		Expect(e.Type()).To(Equal(events.ScanSucceededKind))
		Expect(e.Subject()).To(Equal("alpha"))

		var payload map[string]any
		Expect(json.Unmarshal(e.Data(), &payload)).To(Succeed())
		Expect(payload["findings"]).To(BeEquivalentTo(2))
		Expect(payload).NotTo(HaveKey("error"))
	})

	It("publishes a failed scan with its error", func() {
		producer.Publish(context.TODO(), domain.ScanJob{
			RepositoryName: "beta",
			Status:         domain.JobFailed,
			Err:            errors.New("tool exited with code 2"),
		})

		Eventually(writer.snapshot).Should(HaveLen(1))
		e := writer.snapshot()[0]
		Expect(e.Type()).To(Equal(events.ScanFailedKind))
		var payload map[string]any
		Expect(json.Unmarshal(e.Data(), &payload)).To(Succeed())
		Expect(payload["error"]).To(Equal("tool exited with code 2"))
	})

	It("flushes on close and ignores later events", func() {
		for i := 0; i < 10; i++ {
			producer.Publish(context.TODO(), domain.ScanJob{RepositoryName: "alpha", Status: domain.JobSucceeded})
		}
		Expect(producer.Close()).To(Succeed())
		Expect(writer.snapshot()).To(HaveLen(10))
		Expect(writer.closed).To(BeTrue())

		producer.Publish(context.TODO(), domain.ScanJob{RepositoryName: "alpha", Status: domain.JobSucceeded})
		Expect(writer.snapshot()).To(HaveLen(10))
	})
})

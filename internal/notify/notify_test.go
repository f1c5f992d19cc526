package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type deniedNotifier struct {
	recordingNotifier
}

func (d *deniedNotifier) Permitted() bool { return false }

func completedRecord(id string) task.Record {
	r := task.NewRecord(id, task.KindImage, time.Now())
	d := 4.2
	r, _ = r.Apply(task.StatusResponse{Status: task.StatusCompleted, DurationSeconds: &d, Result: map[string]any{}})
	return r
}

func failedRecord(id string) task.Record {
	r := task.NewRecord(id, task.KindContent, time.Now())
	r, _ = r.Apply(task.StatusResponse{Status: task.StatusFailed, ErrorMessage: "model overloaded"})
	return r
}

func TestNotifyOnce_FirstCallOnly(t *testing.T) {
	toast := &recordingNotifier{}
	platform := &recordingNotifier{}
	d := NewDeduplicator(toast, platform, logging.Discard())

	assert.True(t, d.NotifyOnce(context.Background(), completedRecord("t1")))
	assert.False(t, d.NotifyOnce(context.Background(), completedRecord("t1")))
	assert.False(t, d.NotifyOnce(context.Background(), completedRecord("t1")))

	assert.Equal(t, 1, toast.count())
	assert.Equal(t, 1, platform.count())
	assert.True(t, d.Notified("t1"))
}

func TestNotifyOnce_ConcurrentCallers(t *testing.T) {
	toast := &recordingNotifier{}
	d := NewDeduplicator(toast, nil, logging.Discard())
	r := completedRecord("t1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d.NotifyOnce(context.Background(), r) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, toast.count())
}

func TestNotifyOnce_IgnoresNonTerminal(t *testing.T) {
	toast := &recordingNotifier{}
	d := NewDeduplicator(toast, nil, logging.Discard())

	r := task.NewRecord("t1", task.KindImage, time.Now())
	assert.False(t, d.NotifyOnce(context.Background(), r))
	assert.False(t, d.Notified("t1"))
	assert.Equal(t, 0, toast.count())
}

func TestNotifyOnce_SkipsPlatformWhenNotPermitted(t *testing.T) {
	toast := &recordingNotifier{}
	platform := &deniedNotifier{}
	d := NewDeduplicator(toast, platform, logging.Discard())

	assert.True(t, d.NotifyOnce(context.Background(), failedRecord("t1")))
	assert.Equal(t, 1, toast.count())
	assert.Equal(t, 0, platform.count())
}

func TestNotifyOnce_DeliveryErrorStillCountsAsNotified(t *testing.T) {
	toast := &recordingNotifier{err: errors.New("ui gone")}
	d := NewDeduplicator(toast, nil, logging.Discard())

	assert.True(t, d.NotifyOnce(context.Background(), completedRecord("t1")))
	assert.False(t, d.NotifyOnce(context.Background(), completedRecord("t1")))
	assert.Equal(t, 1, toast.count())
}

func TestForget(t *testing.T) {
	toast := &recordingNotifier{}
	d := NewDeduplicator(toast, nil, logging.Discard())

	d.NotifyOnce(context.Background(), completedRecord("t1"))
	d.Forget("t1")

	assert.False(t, d.Notified("t1"))
}

func TestOutcome(t *testing.T) {
	n := Outcome(completedRecord("t1"), time.Now())
	assert.Equal(t, LevelSuccess, n.Level)
	assert.Equal(t, "Image generation completed", n.Title)
	assert.Contains(t, n.Body, "4.2s")

	n = Outcome(failedRecord("t2"), time.Now())
	assert.Equal(t, LevelError, n.Level)
	assert.Equal(t, "Content generation failed", n.Title)
	assert.Equal(t, "model overloaded", n.Body)
}

func TestStarted(t *testing.T) {
	r := task.NewRecord("t1", task.KindSchedule, time.Now())
	n := Started(r, time.Now())

	assert.Equal(t, LevelInfo, n.Level)
	assert.Equal(t, "t1", n.TaskID)
	assert.Equal(t, "Schedule generation started", n.Title)
}

func TestToasts_Subscribe(t *testing.T) {
	toasts := NewToasts()

	var got []Notification
	unsubscribe := toasts.Subscribe(func(n Notification) { got = append(got, n) })

	require.NoError(t, toasts.Notify(context.Background(), Notification{TaskID: "t1"}))
	unsubscribe()
	require.NoError(t, toasts.Notify(context.Background(), Notification{TaskID: "t2"}))

	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestEmailNotifier_Permitted(t *testing.T) {
	assert.False(t, NewEmailNotifier(EmailConfig{}).Permitted())
	assert.False(t, NewEmailNotifier(EmailConfig{APIKey: "key", FromAddress: "a@example.com"}).Permitted())
	assert.True(t, NewEmailNotifier(EmailConfig{APIKey: "key", FromAddress: "a@example.com", To: "b@example.com"}).Permitted())

	var nilNotifier *EmailNotifier
	assert.False(t, nilNotifier.Permitted())
}

func TestEmailNotifier_Notify(t *testing.T) {
	e := NewEmailNotifier(EmailConfig{APIKey: "key", FromName: "genwatch", FromAddress: "a@example.com", To: "b@example.com"})

	var sent *mail.SGMailV3
	e.send = func(m *mail.SGMailV3) (int, error) {
		sent = m
		return 202, nil
	}

	err := e.Notify(context.Background(), Outcome(completedRecord("t1"), time.Now()))
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, "Image generation completed", sent.Subject)
	assert.Equal(t, "a@example.com", sent.From.Address)
}

func TestEmailNotifier_Errors(t *testing.T) {
	e := NewEmailNotifier(EmailConfig{APIKey: "key", FromAddress: "a@example.com", To: "b@example.com"})

	e.send = func(*mail.SGMailV3) (int, error) { return 0, errors.New("dial tcp: timeout") }
	err := e.Notify(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "failed to send email")

	e.send = func(*mail.SGMailV3) (int, error) { return 401, nil }
	err = e.Notify(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "status 401")

	err = NewEmailNotifier(EmailConfig{}).Notify(context.Background(), Notification{Title: "x"})
	assert.Error(t, err)
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropwatch/internal/delivery"
	"cropwatch/internal/scheduler"
)

const (
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond
)

type fakeFields struct {
	fields []Field
	err    error
}

func (f *fakeFields) ActiveFields(ctx context.Context) ([]Field, error) {
	return f.fields, f.err
}

type recordingHealth struct {
	mu      sync.Mutex
	updated []string
	err     error
}

func (r *recordingHealth) UpdateFieldHealth(ctx context.Context, f Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updated = append(r.updated, f.ID)
	return nil
}

type nopRecommendations struct{}

func (nopRecommendations) GenerateForField(ctx context.Context, f Field) error { return nil }

type fakeWeather struct {
	alerts []WeatherAlert
	err    error
}

func (w *fakeWeather) RefreshForecast(ctx context.Context, f Field) ([]WeatherAlert, error) {
	return w.alerts, w.err
}

type recordingQueue struct {
	mu     sync.Mutex
	pushes []delivery.PushPayload
	emails []delivery.EmailPayload
}

func (q *recordingQueue) AddEmail(ctx context.Context, p delivery.EmailPayload) (delivery.Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emails = append(q.emails, p)
	return delivery.Receipt{JobID: "email-test", Type: delivery.TypeEmail}, nil
}

func (q *recordingQueue) AddPush(ctx context.Context, p delivery.PushPayload) (delivery.Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushes = append(q.pushes, p)
	return delivery.Receipt{JobID: "push-test", Type: delivery.TypePush}, nil
}

func (q *recordingQueue) Stats(ctx context.Context) (delivery.Stats, error) {
	return delivery.Stats{Provider: "test"}, nil
}

func testDeps(fields *fakeFields, health *recordingHealth, weather *fakeWeather, queue *recordingQueue) Deps {
	return Deps{
		Fields:          fields,
		Health:          health,
		Recommendations: nopRecommendations{},
		Weather:         weather,
		Queue:           queue,
		Timezone:        "Asia/Colombo",
	}
}

func TestRegister_AllJobsPresent(t *testing.T) {
	s := scheduler.New()
	deps := testDeps(&fakeFields{}, &recordingHealth{}, &fakeWeather{}, &recordingQueue{})
	require.NoError(t, Register(s, deps))

	var names []string
	for _, st := range s.AllStats() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"health-monitoring", "recommendations-generation", "weather-forecast-update"}, names)

	st := s.Stats("health-monitoring")
	assert.Equal(t, "0 6 * * *", st.Schedule)
}

func TestHealthMonitoring_ProcessesAllFields(t *testing.T) {
	s := scheduler.New()
	health := &recordingHealth{}
	fields := &fakeFields{fields: []Field{
		{ID: "f1", UserID: "u1", Name: "north"},
		{ID: "f2", UserID: "u1", Name: "south"},
	}}
	require.NoError(t, Register(s, testDeps(fields, health, &fakeWeather{}, &recordingQueue{})))

	require.NoError(t, s.Trigger(context.Background(), "health-monitoring"))

	health.mu.Lock()
	defer health.mu.Unlock()
	assert.ElementsMatch(t, []string{"f1", "f2"}, health.updated)
	assert.Equal(t, uint64(1), s.Stats("health-monitoring").SuccessCount)
}

func TestHealthMonitoring_AllFailuresRecorded(t *testing.T) {
	s := scheduler.New()
	health := &recordingHealth{err: errors.New("satellite api down")}
	fields := &fakeFields{fields: []Field{{ID: "f1"}}}
	require.NoError(t, Register(s, testDeps(fields, health, &fakeWeather{}, &recordingQueue{})))

	require.NoError(t, s.Trigger(context.Background(), "health-monitoring"))

	st := s.Stats("health-monitoring")
	assert.Equal(t, uint64(1), st.FailureCount)
	require.NotNil(t, st.LastError)
}

func TestHealthMonitoring_FieldStoreErrorFails(t *testing.T) {
	s := scheduler.New()
	fields := &fakeFields{err: errors.New("db down")}
	require.NoError(t, Register(s, testDeps(fields, &recordingHealth{}, &fakeWeather{}, &recordingQueue{})))

	require.NoError(t, s.Trigger(context.Background(), "health-monitoring"))
	assert.Equal(t, uint64(1), s.Stats("health-monitoring").FailureCount)
}

func TestWeatherForecast_EnqueuesSevereAlerts(t *testing.T) {
	s := scheduler.New()
	queue := &recordingQueue{}
	weather := &fakeWeather{alerts: []WeatherAlert{{
		Field:    Field{ID: "f1", UserID: "u7", Name: "east"},
		Headline: "heavy rain",
		Severity: "severe",
	}}}
	fields := &fakeFields{fields: []Field{{ID: "f1", UserID: "u7", Name: "east"}}}
	require.NoError(t, Register(s, testDeps(fields, &recordingHealth{}, weather, queue)))

	// the job runs once on start; wait for that supervised run to land
	require.Eventually(t, func() bool {
		return s.Stats("weather-forecast-update").SuccessCount == 1
	}, waitFor, pollEvery)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.Len(t, queue.pushes, 1)
	assert.Equal(t, "u7", queue.pushes[0].UserID)
	assert.Contains(t, queue.pushes[0].Body, "heavy rain")
	assert.Equal(t, "f1", queue.pushes[0].Data["field_id"])
}

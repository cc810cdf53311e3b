// Package jobs registers the standing background jobs against the scheduler.
// The content of each job (health computation, recommendation generation,
// forecast fetching) lives behind the collaborator interfaces; this package
// owns cadence, batching and notification fan-out only.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cropwatch/internal/delivery"
	"cropwatch/internal/scheduler"
)

// Field is the slice of the persistence model the jobs need.
type Field struct {
	ID     string
	UserID string
	Name   string
}

// FieldStore lists fields eligible for background processing.
type FieldStore interface {
	ActiveFields(ctx context.Context) ([]Field, error)
}

// HealthService refreshes crop health data for one field.
type HealthService interface {
	UpdateFieldHealth(ctx context.Context, f Field) error
}

// RecommendationService generates recommendations for one field.
type RecommendationService interface {
	GenerateForField(ctx context.Context, f Field) error
}

// WeatherAlert is a severe-weather condition affecting a field.
type WeatherAlert struct {
	Field    Field
	Headline string
	Severity string
}

// WeatherService refreshes forecasts and reports severe alerts.
type WeatherService interface {
	RefreshForecast(ctx context.Context, f Field) ([]WeatherAlert, error)
}

// Deps are the collaborators the standing jobs run against.
type Deps struct {
	Fields          FieldStore
	Health          HealthService
	Recommendations RecommendationService
	Weather         WeatherService
	Queue           delivery.Queue
	Timezone        string
}

const (
	batchSize           = 5
	delayBetweenBatches = time.Second
)

// Register wires the three standing jobs. Schedules are evaluated in
// Deps.Timezone.
func Register(s *scheduler.Scheduler, deps Deps) error {
	healthSched, err := scheduler.CronIn("0 6 * * *", deps.Timezone)
	if err != nil {
		return err
	}
	if err := s.Register("health-monitoring", healthSched, runHealthMonitoring(deps), scheduler.Options{
		Critical: true,
	}); err != nil {
		return err
	}

	recSched, err := scheduler.CronIn("0 7 */7 * *", deps.Timezone)
	if err != nil {
		return err
	}
	if err := s.Register("recommendations-generation", recSched, runRecommendations(deps), scheduler.Options{}); err != nil {
		return err
	}

	weatherSched, err := scheduler.CronIn("0 */6 * * *", deps.Timezone)
	if err != nil {
		return err
	}
	// run once at boot so forecast data is populated before the first tick
	if err := s.Register("weather-forecast-update", weatherSched, runWeatherForecast(deps), scheduler.Options{
		RunOnStart: true,
	}); err != nil {
		return err
	}

	return nil
}

type batchResults struct {
	total   int
	success int
	failed  int
}

// forEachField fans out over active fields in bounded batches with a pause
// between batches, so a large tenant cannot saturate the downstream APIs.
func forEachField(ctx context.Context, job string, fields []Field, fn func(context.Context, Field) error) batchResults {
	res := batchResults{total: len(fields)}
	for i := 0; i < len(fields); i += batchSize {
		end := i + batchSize
		if end > len(fields) {
			end = len(fields)
		}
		done := make(chan error, end-i)
		for _, f := range fields[i:end] {
			go func(f Field) {
				err := fn(ctx, f)
				if err != nil {
					log.Error().Str("job", job).Str("field_id", f.ID).Err(err).Msg("field processing failed")
				}
				done <- err
			}(f)
		}
		for range fields[i:end] {
			if err := <-done; err != nil {
				res.failed++
			} else {
				res.success++
			}
		}
		if end < len(fields) {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(delayBetweenBatches):
			}
		}
	}
	return res
}

func runHealthMonitoring(deps Deps) scheduler.Handler {
	return func(ctx context.Context) error {
		fields, err := deps.Fields.ActiveFields(ctx)
		if err != nil {
			return fmt.Errorf("list active fields: %w", err)
		}
		log.Info().Int("fields", len(fields)).Msg("health monitoring run")
		if len(fields) == 0 {
			return nil
		}
		res := forEachField(ctx, "health-monitoring", fields, deps.Health.UpdateFieldHealth)
		log.Info().Int("total", res.total).Int("success", res.success).Int("failed", res.failed).
			Msg("health monitoring completed")
		if res.failed == res.total {
			return fmt.Errorf("health monitoring failed for all %d fields", res.total)
		}
		return nil
	}
}

func runRecommendations(deps Deps) scheduler.Handler {
	return func(ctx context.Context) error {
		fields, err := deps.Fields.ActiveFields(ctx)
		if err != nil {
			return fmt.Errorf("list active fields: %w", err)
		}
		log.Info().Int("fields", len(fields)).Msg("recommendations generation run")
		if len(fields) == 0 {
			return nil
		}
		res := forEachField(ctx, "recommendations-generation", fields, deps.Recommendations.GenerateForField)
		log.Info().Int("total", res.total).Int("success", res.success).Int("failed", res.failed).
			Msg("recommendations generation completed")
		if res.failed == res.total {
			return fmt.Errorf("recommendations failed for all %d fields", res.total)
		}
		return nil
	}
}

func runWeatherForecast(deps Deps) scheduler.Handler {
	return func(ctx context.Context) error {
		fields, err := deps.Fields.ActiveFields(ctx)
		if err != nil {
			return fmt.Errorf("list active fields: %w", err)
		}
		log.Info().Int("fields", len(fields)).Msg("weather forecast run")
		res := batchResults{total: len(fields)}
		for i := 0; i < len(fields); i += batchSize {
			end := i + batchSize
			if end > len(fields) {
				end = len(fields)
			}
			for _, f := range fields[i:end] {
				alerts, err := deps.Weather.RefreshForecast(ctx, f)
				if err != nil {
					res.failed++
					log.Error().Str("field_id", f.ID).Err(err).Msg("forecast refresh failed")
					continue
				}
				res.success++
				notifySevereWeather(ctx, deps.Queue, alerts)
			}
			if end < len(fields) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delayBetweenBatches):
				}
			}
		}
		log.Info().Int("total", res.total).Int("success", res.success).Int("failed", res.failed).
			Msg("weather forecast completed")
		if res.total > 0 && res.failed == res.total {
			return fmt.Errorf("forecast refresh failed for all %d fields", res.total)
		}
		return nil
	}
}

// notifySevereWeather enqueues a push per alert; enqueueing never blocks on
// the provider.
func notifySevereWeather(ctx context.Context, q delivery.Queue, alerts []WeatherAlert) {
	for _, a := range alerts {
		_, err := q.AddPush(ctx, delivery.PushPayload{
			UserID: a.Field.UserID,
			Title:  "Severe weather alert",
			Body:   fmt.Sprintf("%s: %s for field %s", a.Severity, a.Headline, a.Field.Name),
			Data:   map[string]string{"field_id": a.Field.ID},
		})
		if err != nil {
			log.Error().Str("field_id", a.Field.ID).Err(err).Msg("enqueue weather alert")
		}
	}
}

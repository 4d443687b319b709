package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/observability"
)

// dispatch runs one firing attempt for fn, which storage.pickDue has
// already transitioned to running. On success it marks the function
// completed; on failure it either reschedules with exponential backoff
// (retries < max_retries) or marks the function permanently failed.
func (s *Scheduler) dispatch(fn ScheduledFunction) {
	attempt := fn.Retries + 1
	start := time.Now()
	ctx := s.ctx

	var err error
	if s.tracer != nil {
		spanCtx, span := observability.StartSchedulerSpan(ctx, observability.SchedulerSpanConfig{
			FunctionID: fn.ID,
			Name:       fn.FunctionPath,
			Attempt:    attempt,
		})
		err = s.runHandler(spanCtx, fn)
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		observability.EndSchedulerSpan(span, outcome, err)
	} else {
		err = s.runHandler(ctx, fn)
	}

	duration := time.Since(start)
	if s.metrics != nil {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.RecordSchedulerDispatch(outcome, duration)
	}

	if err == nil {
		if markErr := s.storage.markCompleted(s.ctx, fn.ID, nowMillis()); markErr != nil {
			log.Error().Err(markErr).Str("function_id", fn.ID).Msg("scheduler: mark completed")
		}
		return
	}

	log.Warn().Err(err).Str("function_id", fn.ID).Str("function_path", fn.FunctionPath).Int("attempt", attempt).Msg("scheduler: dispatch failed")

	if fn.Retries < fn.MaxRetries {
		if s.metrics != nil {
			s.metrics.RecordSchedulerRetry()
		}
		backoff := backoffDelay(fn.Retries, s.baseDelay)
		runAt := nowMillis() + backoff.Milliseconds()
		if rescheduleErr := s.storage.reschedule(s.ctx, fn.ID, runAt, fn.Retries+1); rescheduleErr != nil {
			log.Error().Err(rescheduleErr).Str("function_id", fn.ID).Msg("scheduler: reschedule after failure")
		}
		return
	}

	detail := ErrorDetail{Message: err.Error(), Code: "DispatchFailed"}
	if markErr := s.storage.markFailed(s.ctx, fn.ID, nowMillis(), detail); markErr != nil {
		log.Error().Err(markErr).Str("function_id", fn.ID).Msg("scheduler: mark failed")
	}
}

func (s *Scheduler) runHandler(ctx context.Context, fn ScheduledFunction) error {
	handler, ok := s.handlerFor(fn.FunctionPath)
	if !ok {
		return &unregisteredHandlerErr{path: fn.FunctionPath}
	}
	return handler(ctx, fn.Args)
}

type unregisteredHandlerErr struct{ path string }

func (e *unregisteredHandlerErr) Error() string {
	return "no handler registered for function path: " + e.path
}

// backoffDelay implements run_at = now + 2^retries * base_delay.
func backoffDelay(retries int, base time.Duration) time.Duration {
	return time.Duration(1<<uint(retries)) * base
}

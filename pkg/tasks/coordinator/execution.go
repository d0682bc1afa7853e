// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
)

// sagaExecutor runs one saga to a terminal state. Every state transition is
// persisted before execution proceeds, so a crash at any point leaves the
// saga resumable from its last durable state.
type sagaExecutor struct {
	orchestrator *Orchestrator
	saga         *tasks.SagaWorkflow
}

// run advances the saga from its current-step cursor through the remaining
// steps. The cursor is checked against boundaries on every iteration:
// cancellation and workflow timeout are observed between steps, never
// mid-handler.
func (e *sagaExecutor) run(ctx context.Context) (bool, error) {
	o := e.orchestrator
	log := logger.GetSugaredLogger()

	for e.saga.CurrentStep < len(e.saga.Steps) {
		if err := ctx.Err(); err != nil {
			// Coordinator interrupted. The saga keeps its persisted state and
			// becomes claimable again once the lease lapses.
			return false, err
		}

		now := o.now()
		if e.saga.IsTimedOut(now) {
			cause := tasks.NewSagaTimeoutError(e.saga.SagaID,
				time.Duration(e.saga.TimeoutSeconds)*time.Second)
			log.Warnw("saga exceeded workflow timeout, starting compensation",
				"saga_id", e.saga.SagaID, "timeout_seconds", e.saga.TimeoutSeconds)
			o.publish(ctx, tasks.NewEvent(e.saga.SagaID, "", tasks.EventSagaTimedOut))
			return false, e.compensate(ctx, cause)
		}
		if e.saga.CancelRequested {
			cause := tasks.NewSagaCancelledError(e.saga.SagaID, e.saga.CancelReason)
			log.Infow("saga cancellation observed at step boundary",
				"saga_id", e.saga.SagaID, "reason", e.saga.CancelReason)
			o.publish(ctx, tasks.NewEvent(e.saga.SagaID, "", tasks.EventSagaCancelled))
			return false, e.compensate(ctx, cause)
		}

		step := e.saga.Steps[e.saga.CurrentStep]
		handlerErr, err := e.executeStep(ctx, e.saga.CurrentStep)
		if err != nil {
			return false, err
		}
		if handlerErr != nil {
			log.Errorw("saga step failed permanently, starting compensation",
				"saga_id", e.saga.SagaID, "step_id", step.StepID,
				"operation", step.Operation, "error", handlerErr)
			return false, e.compensate(ctx, handlerErr)
		}
	}

	return true, e.finalize(ctx)
}

// executeStep drives one step through its attempt loop. The step's own retry
// budget bounds the loop: MaxRetries retries on top of the initial attempt.
// The first return value is the step's permanent failure, nil on success;
// the second is an infrastructure error that aborts the whole execution.
func (e *sagaExecutor) executeStep(ctx context.Context, index int) (error, error) {
	o := e.orchestrator
	step := e.saga.Steps[index]

	handler, err := o.handlers.Resolve(step.Operation)
	if err != nil {
		if recordErr := e.markStepFailed(ctx, index, err); recordErr != nil {
			return nil, recordErr
		}
		return err, nil
	}

	for {
		attempt := step.RetryCount + 1

		saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
			st := s.Steps[index]
			st.Status = tasks.StepExecuting
			if st.StartedAt == nil {
				t := o.now()
				st.StartedAt = &t
			}
			s.CurrentStep = index
			e.refresh(s)
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.saga = saga
		step = saga.Steps[index]

		if err := e.record(ctx, step, tasks.StepExecuting, ""); err != nil {
			return nil, err
		}
		if attempt == 1 {
			o.publish(ctx, tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventSagaStepStarted))
		} else {
			o.metrics.RecordStepRetried(saga.WorkflowType, step.Operation, attempt)
			o.publish(ctx, tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventSagaStepRetried))
		}

		started := o.now()
		result, handlerErr := handler(ctx, step.Params)
		elapsed := o.now().Sub(started)
		o.metrics.RecordStepExecuted(saga.WorkflowType, step.Operation, handlerErr == nil, elapsed)

		if handlerErr == nil {
			saga, err = o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
				st := s.Steps[index]
				st.Status = tasks.StepCompleted
				st.Result = result
				st.Error = ""
				t := o.now()
				st.CompletedAt = &t
				s.CurrentStep = index + 1
				e.refresh(s)
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.saga = saga
			if err := e.record(ctx, saga.Steps[index], tasks.StepCompleted, ""); err != nil {
				return nil, err
			}
			o.publish(ctx, tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventSagaStepCompleted))
			return nil, nil
		}

		logger.GetSugaredLogger().Warnw("saga step attempt failed",
			"saga_id", saga.SagaID, "step_id", step.StepID,
			"operation", step.Operation, "attempt", attempt,
			"max_attempts", step.MaxRetries+1, "error", handlerErr)

		if !step.CanRetry() || !o.policy.ShouldRetry(handlerErr, attempt) {
			failure := tasks.NewHandlerExecutionError(step.Operation, handlerErr)
			if recordErr := e.markStepFailed(ctx, index, failure); recordErr != nil {
				return nil, recordErr
			}
			return failure, nil
		}

		saga, err = o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
			st := s.Steps[index]
			st.RetryCount++
			st.Error = handlerErr.Error()
			e.refresh(s)
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.saga = saga
		step = saga.Steps[index]

		if err := e.sleep(ctx, o.policy.Delay(attempt)); err != nil {
			return nil, err
		}
	}
}

// markStepFailed persists the step's terminal failure and its audit entry.
func (e *sagaExecutor) markStepFailed(ctx context.Context, index int, cause error) error {
	o := e.orchestrator
	saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		st := s.Steps[index]
		st.Status = tasks.StepFailed
		st.Error = cause.Error()
		t := o.now()
		st.CompletedAt = &t
		e.refresh(s)
		return nil
	})
	if err != nil {
		return err
	}
	e.saga = saga

	step := saga.Steps[index]
	if err := e.record(ctx, step, tasks.StepFailed, cause.Error()); err != nil {
		return err
	}
	event := tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventSagaStepFailed)
	event.Error = cause.Error()
	o.publish(ctx, event)
	return nil
}

// finalize closes a fully executed saga and settles its linked idempotency
// key so duplicate submissions observe the outcome.
func (e *sagaExecutor) finalize(ctx context.Context) error {
	o := e.orchestrator
	saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusCompleted
		s.Error = ""
		s.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	e.saga = saga

	o.completeLinkedKey(ctx, saga, stepResults(saga), "")
	o.publish(ctx, tasks.NewEvent(saga.SagaID, "", tasks.EventSagaCompleted))
	o.metrics.RecordSagaCompleted(saga.WorkflowType, o.now().Sub(saga.CreatedAt))
	logger.GetSugaredLogger().Infow("saga completed",
		"saga_id", saga.SagaID, "workflow_type", saga.WorkflowType,
		"steps", len(saga.Steps))
	return nil
}

// record appends one audit entry for a step-status transition.
func (e *sagaExecutor) record(ctx context.Context, step *tasks.SagaStep, status tasks.StepStatus, errMsg string) error {
	return e.orchestrator.storage.AppendSagaHistory(ctx, e.saga.SagaID, &tasks.SagaHistoryEntry{
		Timestamp:  e.orchestrator.now(),
		StepID:     step.StepID,
		StepName:   step.Name,
		Status:     status,
		Error:      errMsg,
		RetryCount: step.RetryCount,
	})
}

// refresh extends the execution lease inside a mutator.
func (e *sagaExecutor) refresh(s *tasks.SagaWorkflow) {
	exp := e.orchestrator.now().Add(e.orchestrator.lease)
	s.LeaseExpiresAt = &exp
}

// sleep waits for the backoff delay, aborting early on context cancellation.
func (e *sagaExecutor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stepResults flattens per-step results into one map keyed by step name for
// the saga's linked idempotency record.
func stepResults(saga *tasks.SagaWorkflow) map[string]any {
	results := make(map[string]any, len(saga.Steps))
	for _, step := range saga.Steps {
		if step.Result != nil {
			results[step.Name] = step.Result
		}
	}
	return results
}

// describeCause renders the failure that triggered compensation for the saga
// record's error field.
func describeCause(cause error) string {
	if cause == nil {
		return ""
	}
	var terr *tasks.TasksError
	if errors.As(cause, &terr) {
		return terr.Error()
	}
	return fmt.Sprintf("saga execution failed: %v", cause)
}

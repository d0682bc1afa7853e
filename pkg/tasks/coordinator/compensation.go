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

	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
)

// compensate rolls back the saga after cause aborted forward execution. Only
// steps that actually completed are undone, in reverse completion order.
// Completed steps without a compensating operation are recorded in history
// rather than silently passed over.
//
// Compensation failures are never retried automatically: the saga is parked
// in failed state with the compensation error preserved for an operator.
// The returned error covers infrastructure failures only.
func (e *sagaExecutor) compensate(ctx context.Context, cause error) error {
	o := e.orchestrator
	log := logger.GetSugaredLogger()
	causeMsg := describeCause(cause)

	saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusCompensating
		if s.Error == "" {
			s.Error = causeMsg
		}
		e.refresh(s)
		return nil
	})
	if err != nil {
		return err
	}
	e.saga = saga
	o.publish(ctx, tasks.NewEvent(saga.SagaID, "", tasks.EventCompensationStarted))

	for i := len(saga.Steps) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := saga.Steps[i]
		switch step.Status {
		case tasks.StepCompleted, tasks.StepCompensating:
			// StepCompensating is a crash-recovery re-entry; the compensation
			// handler is re-invoked and must tolerate the duplicate call.
		default:
			continue
		}

		if !step.CanCompensate() && step.Status != tasks.StepCompensating {
			log.Infow("compensation skipped, step has no compensation operation",
				"saga_id", saga.SagaID, "step_id", step.StepID, "operation", step.Operation)
			entry := &tasks.SagaHistoryEntry{
				Timestamp:  o.now(),
				StepID:     step.StepID,
				StepName:   step.Name,
				Status:     step.Status,
				Error:      "compensation skipped: no compensation operation registered",
				RetryCount: step.RetryCount,
			}
			if err := o.storage.AppendSagaHistory(ctx, saga.SagaID, entry); err != nil {
				return err
			}
			o.publish(ctx, tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventCompensationSkipped))
			continue
		}

		failure, err := e.compensateStep(ctx, i)
		if err != nil {
			return err
		}
		if failure != nil {
			return e.parkFailed(ctx, failure)
		}
		saga = e.saga
	}

	saga, err = o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusCompensated
		s.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	e.saga = saga

	o.completeLinkedKey(ctx, saga, nil, saga.Error)
	o.publish(ctx, tasks.NewEvent(saga.SagaID, "", tasks.EventCompensationCompleted))
	o.metrics.RecordSagaCompensated(saga.WorkflowType, o.now().Sub(saga.CreatedAt))
	log.Infow("saga compensated",
		"saga_id", saga.SagaID, "workflow_type", saga.WorkflowType,
		"cause", saga.Error)
	return nil
}

// compensateStep undoes one completed step. The first return value is the
// compensation's permanent failure, nil on success; the second covers
// infrastructure errors.
func (e *sagaExecutor) compensateStep(ctx context.Context, index int) (error, error) {
	o := e.orchestrator
	step := e.saga.Steps[index]

	handler, err := o.handlers.ResolveCompensation(step.CompensationOperation)
	if err != nil {
		return err, nil
	}

	saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Steps[index].Status = tasks.StepCompensating
		e.refresh(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.saga = saga
	step = saga.Steps[index]
	if err := e.record(ctx, step, tasks.StepCompensating, ""); err != nil {
		return nil, err
	}

	params := step.CompensationParams
	if params == nil {
		params = step.Params
	}

	started := o.now()
	compErr := handler(ctx, params)
	o.metrics.RecordCompensationExecuted(saga.WorkflowType, step.CompensationOperation,
		compErr == nil, o.now().Sub(started))

	if compErr != nil {
		failure := tasks.NewCompensationExecutionError(step.CompensationOperation, compErr)
		if err := e.record(ctx, step, tasks.StepCompensating, failure.Error()); err != nil {
			return nil, err
		}
		event := tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventCompensationFailed)
		event.Error = failure.Error()
		o.publish(ctx, event)
		return failure, nil
	}

	saga, err = o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Steps[index].Status = tasks.StepCompensated
		e.refresh(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.saga = saga
	if err := e.record(ctx, saga.Steps[index], tasks.StepCompensated, ""); err != nil {
		return nil, err
	}
	o.publish(ctx, tasks.NewEvent(saga.SagaID, step.StepID, tasks.EventCompensationCompleted))
	return nil, nil
}

// parkFailed records a compensation failure that requires operator
// intervention. The saga keeps partial compensation progress so a manual
// retry resumes from the failed step.
func (e *sagaExecutor) parkFailed(ctx context.Context, failure error) error {
	o := e.orchestrator
	saga, err := o.storage.UpdateSaga(ctx, e.saga.SagaID, func(s *tasks.SagaWorkflow) error {
		s.Status = tasks.StatusFailed
		s.Error = failure.Error()
		s.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	e.saga = saga

	o.completeLinkedKey(ctx, saga, nil, saga.Error)
	event := tasks.NewEvent(saga.SagaID, "", tasks.EventSagaFailed)
	event.Error = saga.Error
	o.publish(ctx, event)
	o.metrics.RecordSagaFailed(saga.WorkflowType, o.now().Sub(saga.CreatedAt))
	logger.GetSugaredLogger().Errorw("saga compensation failed, operator intervention required",
		"saga_id", saga.SagaID, "workflow_type", saga.WorkflowType, "error", saga.Error)
	return nil
}

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

package tasks

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOperationStatus_String(t *testing.T) {
	tests := []struct {
		status   OperationStatus
		expected string
	}{
		{StatusPending, "pending"},
		{StatusInProgress, "in_progress"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
		{StatusCompensating, "compensating"},
		{StatusCompensated, "compensated"},
		{OperationStatus(999), "unknown"},
	}

	for _, test := range tests {
		if result := test.status.String(); result != test.expected {
			t.Errorf("Expected %s, got %s for status %d", test.expected, result, test.status)
		}
	}
}

func TestOperationStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   OperationStatus
		expected bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCompensating, false},
		{StatusCompensated, true},
	}

	for _, test := range tests {
		if result := test.status.IsTerminal(); result != test.expected {
			t.Errorf("Expected %v, got %v for status %s", test.expected, result, test.status)
		}
	}
}

func TestOperationStatus_JSONRoundTrip(t *testing.T) {
	for _, status := range []OperationStatus{
		StatusPending, StatusInProgress, StatusCompleted,
		StatusFailed, StatusCompensating, StatusCompensated,
	} {
		data, err := json.Marshal(status)
		if err != nil {
			t.Fatalf("marshal %s: %v", status, err)
		}

		var parsed OperationStatus
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if parsed != status {
			t.Errorf("Expected %s, got %s after round trip", status, parsed)
		}
	}

	var parsed OperationStatus
	if err := json.Unmarshal([]byte(`"bogus"`), &parsed); err == nil {
		t.Error("Expected error for unknown status value")
	}
}

func TestStepStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   StepStatus
		expected bool
	}{
		{StepPending, false},
		{StepExecuting, false},
		{StepCompleted, true},
		{StepFailed, true},
		{StepCompensating, false},
		{StepCompensated, true},
		{StepSkipped, true},
	}

	for _, test := range tests {
		if result := test.status.IsTerminal(); result != test.expected {
			t.Errorf("Expected %v, got %v for status %s", test.expected, result, test.status)
		}
	}
}

func TestSagaStep_CanCompensate(t *testing.T) {
	tests := []struct {
		name     string
		step     SagaStep
		expected bool
	}{
		{
			name:     "completed with compensation",
			step:     SagaStep{Status: StepCompleted, CompensationOperation: "undo"},
			expected: true,
		},
		{
			name:     "completed without compensation",
			step:     SagaStep{Status: StepCompleted},
			expected: false,
		},
		{
			name:     "failed with compensation",
			step:     SagaStep{Status: StepFailed, CompensationOperation: "undo"},
			expected: false,
		},
		{
			name:     "pending with compensation",
			step:     SagaStep{Status: StepPending, CompensationOperation: "undo"},
			expected: false,
		},
	}

	for _, test := range tests {
		if result := test.step.CanCompensate(); result != test.expected {
			t.Errorf("%s: expected %v, got %v", test.name, test.expected, result)
		}
	}
}

func TestSagaStep_CanRetry(t *testing.T) {
	step := SagaStep{RetryCount: 0, MaxRetries: 2}
	if !step.CanRetry() {
		t.Error("Expected retry budget available at count 0")
	}
	step.RetryCount = 2
	if step.CanRetry() {
		t.Error("Expected retry budget exhausted at count == max")
	}
	step.MaxRetries = 0
	step.RetryCount = 0
	if step.CanRetry() {
		t.Error("Expected no retries when max is zero")
	}
}

func TestSagaWorkflow_IsTimedOut(t *testing.T) {
	now := time.Now()
	saga := SagaWorkflow{CreatedAt: now.Add(-10 * time.Second), TimeoutSeconds: 5}
	if !saga.IsTimedOut(now) {
		t.Error("Expected saga to be timed out")
	}
	saga.TimeoutSeconds = 60
	if saga.IsTimedOut(now) {
		t.Error("Expected saga within its timeout")
	}
}

func TestSagaWorkflow_CompletedSteps(t *testing.T) {
	saga := SagaWorkflow{
		Steps: []*SagaStep{
			{Status: StepCompleted},
			{Status: StepCompensated},
			{Status: StepFailed},
			{Status: StepPending},
		},
	}
	if got := saga.CompletedSteps(); got != 2 {
		t.Errorf("Expected 2 completed steps, got %d", got)
	}
}

func TestSagaWorkflow_Clone(t *testing.T) {
	lease := time.Now()
	original := &SagaWorkflow{
		SagaID:         "saga-1",
		LeaseExpiresAt: &lease,
		Steps: []*SagaStep{
			{StepID: "step-1", Params: map[string]any{"amount": 10}},
		},
	}

	clone := original.Clone()
	clone.Steps[0].Params["amount"] = 99
	clone.Steps[0].StepID = "mutated"
	*clone.LeaseExpiresAt = lease.Add(time.Hour)

	if original.Steps[0].Params["amount"] != 10 {
		t.Error("Clone shares step params with the original")
	}
	if original.Steps[0].StepID != "step-1" {
		t.Error("Clone shares step structs with the original")
	}
	if !original.LeaseExpiresAt.Equal(lease) {
		t.Error("Clone shares lease timestamp with the original")
	}
}

func TestIdempotencyKey_IsExpired(t *testing.T) {
	now := time.Now()
	rec := IdempotencyKey{ExpiresAt: now.Add(time.Minute)}
	if rec.IsExpired(now) {
		t.Error("Expected record to be live before its TTL")
	}
	if !rec.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("Expected record to be expired after its TTL")
	}
}

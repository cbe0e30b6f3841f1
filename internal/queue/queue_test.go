package queue

import (
	"context"
	"strings"
	"testing"
)

func TestNewEnvelopeKeepsJobID(t *testing.T) {
	env, err := NewEnvelope(QueueEvents, "dispatch", map[string]string{"k": "v"}, Options{JobID: "evt:shop:topic:1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.JobID != "evt:shop:topic:1" {
		t.Fatalf("expected caller job id, got %q", env.JobID)
	}
	if env.Queue != QueueEvents || env.Name != "dispatch" {
		t.Fatalf("unexpected routing fields: %q/%q", env.Queue, env.Name)
	}
}

func TestNewEnvelopeGeneratesJobID(t *testing.T) {
	env1, err := NewEnvelope(QueueEvents, "dispatch", nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env2, _ := NewEnvelope(QueueEvents, "dispatch", nil, Options{})
	if !strings.HasPrefix(env1.JobID, "job_") {
		t.Fatalf("expected generated id prefix, got %q", env1.JobID)
	}
	if env1.JobID == env2.JobID {
		t.Fatalf("expected unique generated ids, got %q twice", env1.JobID)
	}
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	if _, err := NewEnvelope(QueueEvents, "dispatch", make(chan int), Options{}); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()

	var got Job
	reg.Register(QueueCampaigns, "send", func(ctx context.Context, job Job) error {
		got = job
		return nil
	})

	env, _ := NewEnvelope(QueueCampaigns, "send", map[string]string{"campaignId": "c1"}, Options{JobID: "campaign:c1"})
	if err := reg.Dispatch(context.Background(), env, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "campaign:c1" || got.Attempt != 3 {
		t.Fatalf("handler received wrong job: %+v", got)
	}

	var payload map[string]string
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["campaignId"] != "c1" {
		t.Fatalf("payload lost on the way through: %+v", payload)
	}
}

func TestRegistryDispatchUnknownHandler(t *testing.T) {
	reg := NewRegistry()
	env, _ := NewEnvelope(QueueReceipts, "reconcile", nil, Options{})
	if err := reg.Dispatch(context.Background(), env, 1); err == nil {
		t.Fatalf("expected error for unregistered handler")
	}
}

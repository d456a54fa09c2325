package engine_test

import (
	"context"
	"errors"
	"testing"

	"cruvz-control/internal/engine"
	"cruvz-control/internal/testsupport/enginestub"
)

func TestStartStopAgainstStub(t *testing.T) {
	stub := enginestub.New(enginestub.Options{Token: "secret"})
	defer stub.Close()

	eng := engine.NewHTTPEngine(stub.URL(), "secret")
	ctx := context.Background()

	cfg := engine.PushConfig{
		TargetID:  "tgt-1",
		SessionID: "sess-1",
		Protocol:  "rtmp-push",
		URL:       "rtmp://ingest.example.com/live",
		StreamKey: "key",
	}
	if err := eng.StartPush(ctx, cfg); err != nil {
		t.Fatalf("start push: %v", err)
	}
	if got := stub.ActivePushes(); len(got) != 1 || got[0] != "tgt-1" {
		t.Fatalf("active = %v", got)
	}

	if err := eng.StopPush(ctx, "tgt-1"); err != nil {
		t.Fatalf("stop push: %v", err)
	}
	if got := stub.Stopped(); len(got) != 1 || got[0] != "tgt-1" {
		t.Fatalf("stopped = %v", got)
	}
}

func TestStubRejectsBadToken(t *testing.T) {
	stub := enginestub.New(enginestub.Options{Token: "secret"})
	defer stub.Close()

	eng := engine.NewHTTPEngine(stub.URL(), "wrong")
	err := eng.StartPush(context.Background(), engine.PushConfig{TargetID: "tgt-1"})
	if !errors.Is(err, engine.ErrEngine) {
		t.Fatalf("err = %v, want ErrEngine", err)
	}
}

func TestStubFailsFirstStarts(t *testing.T) {
	stub := enginestub.New(enginestub.Options{FailPushStarts: 2})
	defer stub.Close()

	eng := engine.NewHTTPEngine(stub.URL(), "")
	ctx := context.Background()
	cfg := engine.PushConfig{TargetID: "tgt-1"}

	for i := 0; i < 2; i++ {
		if err := eng.StartPush(ctx, cfg); !errors.Is(err, engine.ErrEngine) {
			t.Fatalf("attempt %d err = %v, want ErrEngine", i+1, err)
		}
	}
	if err := eng.StartPush(ctx, cfg); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if calls := stub.StartCalls(); calls != 3 {
		t.Fatalf("start calls = %d, want 3", calls)
	}
}

func TestStubHealthVerdicts(t *testing.T) {
	stub := enginestub.New(enginestub.Options{})
	defer stub.Close()

	eng := engine.NewHTTPEngine(stub.URL(), "")
	ctx := context.Background()

	health, err := eng.ProbeHealth(ctx, "tgt-1")
	if err != nil || health != engine.HealthHealthy {
		t.Fatalf("health = %v err = %v", health, err)
	}

	stub.SetHealth("unhealthy")
	health, err = eng.ProbeHealth(ctx, "tgt-1")
	if err != nil || health != engine.HealthUnhealthy {
		t.Fatalf("health = %v err = %v", health, err)
	}
}

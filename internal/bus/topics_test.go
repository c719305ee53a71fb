package bus

import (
	"strings"
	"testing"
	"time"
)

// TestEventTopics_Prefixes verifies topic families share the prefixes subscribers rely on.
func TestEventTopics_Prefixes(t *testing.T) {
	for _, topic := range []string{TopicRunProgress, TopicRunStageFailed, TopicRunDiagnostic, TopicRecoveryPlanned} {
		if !strings.HasPrefix(topic, "run.") {
			t.Fatalf("topic %q should use the run. prefix", topic)
		}
	}
	for _, topic := range []string{TopicSecurityAlert, TopicPermissionDenied, TopicPolicyReloaded} {
		if !strings.HasPrefix(topic, "security.") {
			t.Fatalf("topic %q should use the security. prefix", topic)
		}
	}
	for _, topic := range []string{TopicJobStateChanged, TopicJobFinished} {
		if !strings.HasPrefix(topic, "job.") {
			t.Fatalf("topic %q should use the job. prefix", topic)
		}
	}
}

func TestProgressEvent_RoundTripThroughBus(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRunProgress, ProgressEvent{JobID: "j1", Phase: "stage", Stage: "code_review", Percent: 75})

	select {
	case ev := <-sub.Ch():
		p, ok := ev.Payload.(ProgressEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if p.Stage != "code_review" || p.Percent != 75 {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for progress event")
	}
}

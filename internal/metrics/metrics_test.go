package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(Transitions.WithLabelValues("plan", "code"))
	RecordTransition("plan", "code")
	after := testutil.ToFloat64(Transitions.WithLabelValues("plan", "code"))
	assert.Equal(t, before+1, after)
}

func TestRecordTerminal(t *testing.T) {
	before := testutil.ToFloat64(TasksFinished.WithLabelValues("completed"))
	RecordTerminal("completed")
	after := testutil.ToFloat64(TasksFinished.WithLabelValues("completed"))
	assert.Equal(t, before+1, after)
}

func TestObservePhase(t *testing.T) {
	before := testutil.CollectAndCount(PhaseDuration)
	ObservePhase("test", "success", 250*time.Millisecond)
	after := testutil.CollectAndCount(PhaseDuration)
	assert.GreaterOrEqual(t, after, before)
}

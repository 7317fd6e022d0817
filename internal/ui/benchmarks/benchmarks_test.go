package benchmarks

import (
	"testing"
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func exec(kind deployment.StageKind, status deployment.StageStatus, started, finished time.Duration) deployment.StageExecution {
	e := deployment.StageExecution{Kind: kind, Status: status}
	if started >= 0 {
		e.StartedAt = t0.Add(started)
	}
	if finished >= 0 {
		e.FinishedAt = t0.Add(finished)
	}
	return e
}

func TestEstimateRemaining_NothingStarted(t *testing.T) {
	stages := []deployment.StageExecution{
		exec(deployment.StageAllocateResource, deployment.StagePending, -1, -1),
		exec(deployment.StageCreateCompute, deployment.StagePending, -1, -1),
		exec(deployment.StageRegisterInventory, deployment.StagePending, -1, -1),
	}

	remaining := EstimateRemaining(stages, t0)

	// 20 + 45 + 2
	if want := 67 * time.Second; remaining != want {
		t.Errorf("expected %v, got %v", want, remaining)
	}
	if total := TotalEstimate(stages); total != remaining {
		t.Errorf("expected total %v, got %v", remaining, total)
	}
}

func TestEstimateRemaining_RunningStage(t *testing.T) {
	stages := []deployment.StageExecution{
		exec(deployment.StageAllocateResource, deployment.StageSucceeded, 0, 20*time.Second),
		exec(deployment.StageCreateCompute, deployment.StageRunning, 20*time.Second, -1),
		exec(deployment.StageConfigureNetwork, deployment.StagePending, -1, -1),
	}

	// 15s into compute: (45-15) + 10
	remaining := EstimateRemaining(stages, t0.Add(35*time.Second))
	if want := 40 * time.Second; remaining != want {
		t.Errorf("expected %v, got %v", want, remaining)
	}
}

func TestPerformanceScale(t *testing.T) {
	tests := []struct {
		name   string
		stages []deployment.StageExecution
		now    time.Duration
		want   float64
	}{
		{
			name: "no history",
			want: 1.0,
		},
		{
			name: "slower than expected",
			stages: []deployment.StageExecution{
				exec(deployment.StageAllocateResource, deployment.StageSucceeded, 0, 30*time.Second),
			},
			want: 1.5,
		},
		{
			name: "capped at the top",
			stages: []deployment.StageExecution{
				exec(deployment.StageAllocateResource, deployment.StageSucceeded, 0, 10*time.Minute),
			},
			want: maxScale,
		},
		{
			name: "capped at the bottom",
			stages: []deployment.StageExecution{
				exec(deployment.StageCreateCompute, deployment.StageSucceeded, 0, time.Second),
			},
			want: minScale,
		},
		{
			name: "overrunning stage counts",
			stages: []deployment.StageExecution{
				exec(deployment.StageConfigureNetwork, deployment.StageRunning, 0, -1),
			},
			now:  20 * time.Second,
			want: 2.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PerformanceScale(tt.stages, t0.Add(tt.now))
			if got < tt.want-0.001 || got > tt.want+0.001 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEstimateRemainingWithScale_SkipsFinished(t *testing.T) {
	stages := []deployment.StageExecution{
		exec(deployment.StageWipeVolume, deployment.StageFailed, 0, 5*time.Second),
		exec(deployment.StageCreateCompute, deployment.StageCompensated, 0, 5*time.Second),
		exec(deployment.StageApplyHardening, deployment.StagePending, -1, -1),
	}
	remaining := EstimateRemainingWithScale(stages, t0, 2.0)
	if want := 60 * time.Second; remaining != want {
		t.Errorf("expected %v, got %v", want, remaining)
	}
}

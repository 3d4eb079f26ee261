package watch

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cluster-doctor/pkg/config"
)

// every fires at a fixed interval. cron.Every rounds up to a second.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func TestWatchDoesNotOverlapRuns(t *testing.T) {
	var runs, active, maxActive atomic.Int32
	w := &watcher{
		schedule:   every(5 * time.Millisecond),
		runOnStart: true,
		run: func(ctx context.Context) {
			runs.Add(1)
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Watch(ctx))

	require.GreaterOrEqual(t, runs.Load(), int32(2))
	require.Equal(t, int32(1), maxActive.Load())
	// a run in progress is waited for
	require.Zero(t, active.Load())
}

func TestWatchWaitsForSchedule(t *testing.T) {
	var runs atomic.Int32
	w := &watcher{
		schedule: every(time.Hour),
		run:      func(context.Context) { runs.Add(1) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Watch(ctx))
	require.Zero(t, runs.Load())
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  string
	}{
		{name: "default", schedule: ""},
		{name: "hourly", schedule: "0 * * * *"},
		{name: "descriptor", schedule: "@every 5m"},
		{name: "garbage", schedule: "every now and then", wantErr: "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &watchOpts{out: io.Discard, errOut: io.Discard, options: config.NewOptions()}
			fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			opts.AddFlags(fs)
			args := []string{"--control-plane-address=10.0.0.2"}
			if tt.schedule != "" {
				args = append(args, "--schedule="+tt.schedule)
			}
			require.NoError(t, fs.Parse(args))

			err := opts.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, opts.schedule)
		})
	}
}

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Run collects the metrics of a single job run. The job exits when it is
// done, so metrics are pushed to a Pushgateway instead of being scraped.
type Run struct {
	reg *prometheus.Registry

	stageSeconds *prometheus.GaugeVec
	artifactSize *prometheus.GaugeVec
	rowsStaged   prometheus.Gauge
	lastSuccess  prometheus.Gauge
	failed       *prometheus.GaugeVec
}

func NewRun() *Run {
	r := &Run{
		reg: prometheus.NewRegistry(),
		stageSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expired_passports_stage_duration_seconds",
			Help: "Wall time spent in each pipeline stage of the last run",
		}, []string{"stage"}),
		artifactSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expired_passports_artifact_bytes",
			Help: "Size of the local artifacts produced by the last run",
		}, []string{"artifact"}),
		rowsStaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expired_passports_rows_staged",
			Help: "Rows copied into the staging table by the last run",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expired_passports_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed every stage",
		}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expired_passports_run_failed",
			Help: "1 if the last run failed, labelled with the failing stage and error kind",
		}, []string{"stage", "kind"}),
	}
	r.reg.MustRegister(r.stageSeconds, r.artifactSize, r.rowsStaged, r.lastSuccess, r.failed)
	return r
}

func (r *Run) ObserveStage(stage string, d time.Duration) {
	r.stageSeconds.WithLabelValues(stage).Set(d.Seconds())
}

func (r *Run) SetArtifactSize(artifact string, n int64) {
	r.artifactSize.WithLabelValues(artifact).Set(float64(n))
}

func (r *Run) SetRowsStaged(n int64) { r.rowsStaged.Set(float64(n)) }

func (r *Run) Succeeded(at time.Time) { r.lastSuccess.Set(float64(at.Unix())) }

func (r *Run) Failed(stage, kind string) { r.failed.WithLabelValues(stage, kind).Set(1) }

// Registry exposes the underlying registry, mostly for tests.
func (r *Run) Registry() *prometheus.Registry { return r.reg }

// Push sends every collected metric to the gateway at url under job,
// replacing what the previous run pushed.
func (r *Run) Push(ctx context.Context, url, job string) error {
	return push.New(url, job).
		Gatherer(r.reg).
		PushContext(ctx)
}

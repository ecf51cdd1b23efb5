package presenter

import (
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
)

// Metrics records finalization statistics. One instance serves all sessions.
type Metrics struct {
	m *metrics.Metrics
}

func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (p *Metrics) OnLoadingStarted(aggregate.LoadingStarted) {}

func (p *Metrics) OnProgress(aggregate.Progress) {}

func (p *Metrics) OnFinalized(f aggregate.Finalized) {
	reason := string(f.Reason)
	p.m.FinalizationsTotal.WithLabelValues(reason).Inc()
	p.m.TimeToFinalize.WithLabelValues(reason).Observe(f.Elapsed.Seconds())
	p.m.BatchesPerSearch.Observe(float64(len(f.Batches)))
	p.m.ItemsPerSearch.Observe(float64(len(f.Items())))
	if f.Expected > 0 {
		p.m.PeerCoverage.Observe(float64(f.Answered) / float64(f.Expected))
	}
}

func (p *Metrics) OnDispatchFailed(aggregate.DispatchFailure) {}

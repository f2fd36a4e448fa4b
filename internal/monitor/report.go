package monitor

import (
	"time"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/rate"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

// Report is a point-in-time view of everything the monitor knows.
type Report struct {
	GeneratedAt time.Time                              `json:"generatedAt"`
	Ticks       uint64                                 `json:"ticks"`
	Pacing      rate.Stats                             `json:"pacing"`
	Modules     map[string][]instrument.ComponentStats `json:"modules"`
	Totals      map[string]instrument.ComponentStats   `json:"totals"`
	TPS         []series.Sample                        `json:"tps"`
	TPSSummary  series.Aggregate                       `json:"tpsSummary"`
	Ping        map[string]telemetry.PingSample        `json:"ping"`
	Watchdog    *watchdog.Stats                        `json:"watchdog,omitempty"`
	Stalls      []watchdog.StallEvent                  `json:"stalls,omitempty"`
	Guard       *guard.Stats                           `json:"guard,omitempty"`
	Violations  []guard.Violation                      `json:"violations,omitempty"`
}

// Report collects the current state.
func (m *Monitor) Report() Report {
	modules := m.Registry.Stats()
	totals := make(map[string]instrument.ComponentStats, len(modules))
	for name, stats := range modules {
		totals[name] = instrument.ModuleTotal(stats)
	}

	r := Report{
		GeneratedAt: time.Now(),
		Ticks:       m.loop.Ticks(),
		Pacing:      m.loop.Pacing(),
		Modules:     modules,
		Totals:      totals,
		TPS:         m.TPS.Series().Snapshot(),
		TPSSummary:  m.TPS.Series().Aggregate(),
		Ping:        m.pings(),
	}
	if m.Watchdog != nil {
		st := m.Watchdog.Stats()
		r.Watchdog = &st
		r.Stalls = m.Watchdog.Events()
	}
	if m.Guard != nil {
		st := m.Guard.Stats()
		r.Guard = &st
		r.Violations = m.Guard.Violations()
	}
	return r
}

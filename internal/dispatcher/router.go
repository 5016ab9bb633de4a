package dispatcher

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/registry"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

// Scoring weights. Capability fit dominates, then current load, then
// observed latency, then session availability.
const (
	weightCapability   = 0.40
	weightLoad         = 0.30
	weightPerformance  = 0.20
	weightAvailability = 0.10

	scoreExactMatch   = 100.0
	scoreCompatible   = 80.0
	scoreIncompatible = 20.0

	// loadFullAt is the in-flight count at which a session counts as
	// fully loaded.
	loadFullAt = 10
)

// Decision is the router's pick for one job.
type Decision struct {
	ExtensionID string
	Score       float64
	Confidence  float64
	Reason      string
}

// Router scores connected sessions against a job's requirements.
type Router struct {
	registry *registry.Registry
	logger   *logrus.Logger
	clock    types.Clock
}

// NewRouter creates a router over the given session table.
func NewRouter(reg *registry.Registry, logger *logrus.Logger, clock types.Clock) *Router {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Router{registry: reg, logger: logger, clock: clock}
}

// Select picks the session for a job. A pinned target is honored
// exactly: if it is not connected, no candidate is returned and the
// job waits.
func (r *Router) Select(job types.Job) (Decision, bool) {
	sessions := r.registry.ConnectedSessions()
	if len(sessions) == 0 {
		return Decision{}, false
	}

	if job.TargetExtensionID != "" {
		for _, s := range sessions {
			if s.ID == job.TargetExtensionID {
				return Decision{
					ExtensionID: s.ID,
					Score:       r.score(s, job),
					Confidence:  1.0,
					Reason:      "exact_match",
				}, true
			}
		}
		return Decision{}, false
	}

	// Stable candidate order: score desc, then lighter load, then
	// longer-lived session.
	sort.Slice(sessions, func(i, j int) bool {
		si, sj := r.score(sessions[i], job), r.score(sessions[j], job)
		if si != sj {
			return si > sj
		}
		if sessions[i].InFlightCount != sessions[j].InFlightCount {
			return sessions[i].InFlightCount < sessions[j].InFlightCount
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})

	best := sessions[0]
	return Decision{
		ExtensionID: best.ID,
		Score:       r.score(best, job),
		Confidence:  0.8,
		Reason:      "best_capability",
	}, true
}

func (r *Router) score(s types.ExtensionInfo, job types.Job) float64 {
	return weightCapability*capabilityScore(s.Capabilities, job.RequiredCapabilities) +
		weightLoad*loadScore(s.InFlightCount) +
		weightPerformance*performanceScore(s.AvgResponseTimeMs) +
		weightAvailability*r.availabilityScore(s.ConnectedAt)
}

// capabilityScore averages the per-requirement fit. A session offering
// the same major version with an equal-or-newer minor is compatible;
// anything else scores as incompatible.
func capabilityScore(offered []types.Capability, required []types.Capability) float64 {
	if len(required) == 0 {
		return 100.0
	}

	total := 0.0
	for _, req := range required {
		best := scoreIncompatible
		for _, offer := range offered {
			if offer.Name != req.Name {
				continue
			}
			if offer.Version == req.Version {
				best = scoreExactMatch
				break
			}
			if compatibleVersion(offer.Version, req.Version) && best < scoreCompatible {
				best = scoreCompatible
			}
		}
		total += best
	}
	return total / float64(len(required))
}

func loadScore(inFlight int) float64 {
	load := float64(inFlight) * 100.0 / loadFullAt
	if load > 100 {
		load = 100
	}
	return 100 - load
}

// performanceScore maps the observed mean response time to 0..100. A
// session with no samples yet gets a neutral 50.
func performanceScore(avgMs float64) float64 {
	if avgMs <= 0 {
		return 50.0
	}
	score := 10000.0 / avgMs
	if score > 100 {
		score = 100
	}
	return score
}

func (r *Router) availabilityScore(connectedAt time.Time) float64 {
	uptime := r.clock.Now().Sub(r.registry.StartedAt())
	if uptime <= 0 {
		return 100.0
	}
	ratio := float64(r.clock.Now().Sub(connectedAt)) / float64(uptime)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio * 100
}

// compatibleVersion reports whether offered satisfies required under
// same-major, minor-at-least semantics.
func compatibleVersion(offered, required string) bool {
	oMaj, oMin, ok1 := parseVersion(offered)
	rMaj, rMin, ok2 := parseVersion(required)
	if !ok1 || !ok2 {
		return false
	}
	return oMaj == rMaj && oMin >= rMin
}

func parseVersion(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

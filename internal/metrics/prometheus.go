package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors exist from package init so code paths can count before (or
// without) registration.
var (
	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_tokens_issued_total",
		Help: "Credentials issued, by grant and credential kind.",
	}, []string{"grant", "kind"})

	GrantFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_grant_failures_total",
		Help: "Rejected authorization and token requests, by grant and OAuth2 error code.",
	}, []string{"grant", "error"})

	TokensRevokedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_tokens_revoked_total",
		Help: "Tokens revoked through the revocation endpoint, by kind.",
	}, []string{"kind"})

	SweepRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_sweep_removed_total",
		Help: "Expired access tokens removed by the background sweep.",
	})

	SweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_sweep_failures_total",
		Help: "Background sweeps that failed with a storage error.",
	})
)

// Register adds the server's collectors to reg.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics.")
		return
	}

	for name, c := range map[string]prometheus.Collector{
		"TokensIssuedTotal":  TokensIssuedTotal,
		"GrantFailuresTotal": GrantFailuresTotal,
		"TokensRevokedTotal": TokensRevokedTotal,
		"SweepRemovedTotal":  SweepRemovedTotal,
		"SweepFailuresTotal": SweepFailuresTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
	log.Info().Msg("Prometheus metrics registered.")
}

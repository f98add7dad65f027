// Package scanner checks upload content for malware. The clamd daemon is
// the primary engine; when it cannot be reached a local heuristic pass runs
// instead so no upload goes unscanned.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"filevault/internal/models"
)

const (
	EngineClamd     = "clamd"
	EngineHeuristic = "heuristic"
)

var scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_scans_total",
	Help: "Virus scans by engine and verdict.",
}, []string{"engine", "verdict"})

// Result is the verdict for one payload. Scanned is always true; Engine tells
// a daemon verdict apart from a heuristic one.
type Result struct {
	Clean   bool   `json:"clean"`
	Scanned bool   `json:"scanned"`
	Threat  string `json:"threat,omitempty"`
	Error   string `json:"error,omitempty"`
	Engine  string `json:"engine"`
}

// Summary renders the result for FileRecord.ScanResult.
func (r *Result) Summary() string {
	switch {
	case r.Threat != "":
		return r.Engine + ": " + r.Threat
	case r.Error != "":
		return r.Engine + ": error"
	default:
		return r.Engine + ": clean"
	}
}

type Scanner interface {
	Scan(ctx context.Context, data []byte) *Result
	Available(ctx context.Context) bool
}

type Service struct {
	clamd       *Clamd
	enabled     bool
	pingTimeout time.Duration
	cb          *gobreaker.CircuitBreaker
	log         *zap.Logger
}

var _ Scanner = (*Service)(nil)

func New(cfg models.ScannerConfig, log *zap.Logger) *Service {
	log = log.With(zap.String("component", "scanner"))
	st := gobreaker.Settings{
		Name:        "clamd",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state", zap.String("name", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Service{
		clamd:       NewClamd(cfg.Address, cfg.Timeout),
		enabled:     cfg.Enabled,
		pingTimeout: cfg.PingTimeout,
		cb:          gobreaker.NewCircuitBreaker(st),
		log:         log,
	}
}

// Available probes the daemon with a short-timeout PING.
func (s *Service) Available(ctx context.Context) bool {
	if !s.enabled {
		return false
	}
	return s.clamd.Ping(ctx, s.pingTimeout) == nil
}

// Scan never returns an unscanned result. Daemon errors and an open breaker
// route the payload to the heuristic engine.
func (s *Service) Scan(ctx context.Context, data []byte) *Result {
	if s.enabled {
		v, err := s.cb.Execute(func() (interface{}, error) {
			if err := s.clamd.Ping(ctx, s.pingTimeout); err != nil {
				return nil, err
			}
			return s.clamd.InStream(ctx, data)
		})
		if err == nil {
			verdict := v.(*Verdict)
			res := &Result{Clean: verdict.Clean, Scanned: true, Threat: verdict.Threat, Error: verdict.Error, Engine: EngineClamd}
			s.record(res)
			return res
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.log.Debug("clamd breaker open, using heuristic scan")
		} else {
			s.log.Warn("clamd unreachable, using heuristic scan", zap.Error(err))
		}
	}

	res := &Result{Scanned: true, Engine: EngineHeuristic}
	if threat := heuristicScan(data); threat != "" {
		res.Threat = threat
	} else {
		res.Clean = true
	}
	s.record(res)
	return res
}

func (s *Service) record(res *Result) {
	verdict := "clean"
	switch {
	case res.Threat != "":
		verdict = "threat"
	case res.Error != "":
		verdict = "error"
	}
	scansTotal.WithLabelValues(res.Engine, verdict).Inc()
}

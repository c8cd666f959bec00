package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/singleflight"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

// ProcessStats is a resource sample of the MCP server process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// StatusReport is the /status body.
type StatusReport struct {
	Status
	Process *ProcessStats `json:"process,omitempty"`
}

// NewRouter returns the HTTP surface: the /mcp WebSocket endpoint plus
// health, status and, when gatherer is non-nil, metrics.
func NewRouter(b *Bridge, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/mcp", b.ServeWS)

	var sf singleflight.Group
	r.Group(func(g chi.Router) {
		if len(b.opts.AllowedOrigins) > 0 {
			g.Use(cors.Handler(cors.Options{
				AllowedOrigins: corsOrigins(b.opts.AllowedOrigins),
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			}))
		}
		g.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !b.Running() {
				http.Error(w, "stopped", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
		g.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			st := b.Status()
			rep := StatusReport{Status: st}
			if st.PID > 0 {
				v, err, _ := sf.Do(strconv.Itoa(st.PID), func() (any, error) {
					return sampleProcess(st.PID)
				})
				if err == nil {
					rep.Process = v.(*ProcessStats)
				} else {
					logx.Log.Debug().Err(err).Int("pid", st.PID).Msg("sample mcp server process")
				}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(rep)
		})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func sampleProcess(pid int) (*ProcessStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return nil, err
	}
	return &ProcessStats{RSSBytes: mem.RSS, CPUPercent: cpu}, nil
}

// corsOrigins turns host patterns such as "localhost:*" into the
// scheme-qualified origins go-chi/cors expects.
func corsOrigins(patterns []string) []string {
	out := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		if p == "*" {
			return []string{"*"}
		}
		out = append(out, "http://"+p, "https://"+p)
	}
	return out
}

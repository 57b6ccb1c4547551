package web

import (
	"net/http"

	"github.com/vitos/futures_guard/internal/domain"
	"go.uber.org/zap"
)

// handleHealth answers 503 while the watchdog reports CRITICAL so probes
// can alert on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.GetHealthStatus()
	code := http.StatusOK
	if status.Status == domain.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleCapital(w http.ResponseWriter, r *http.Request) {
	state, err := s.capital.GetCapitalState(r.Context())
	if err != nil {
		s.logger.Error("Failed to read capital state", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "capital state unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type positionView struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Side          domain.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	EntryPrice    float64     `json:"entry_price"`
	CurrentPrice  float64     `json:"current_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	Source        string      `json:"source"`
	OpenedAt      string      `json:"opened_at"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	filter := domain.PositionFilter{Status: domain.StatusOpen, Symbol: r.URL.Query().Get("symbol")}
	positions, err := s.ledger.ListPositions(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list positions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			ID:            p.ID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.PnLAt(p.MarkPrice()),
			Source:        p.Source,
			OpenedAt:      p.OpenedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

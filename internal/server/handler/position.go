package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/alanyoungcy/onramp/internal/domain"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// PositionReader is the read side of the Position store.
type PositionReader interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error)
	ListByEmail(ctx context.Context, email string) ([]domain.Position, error)
}

// PositionHandler serves read-only Position lookups for dashboards.
type PositionHandler struct {
	positions PositionReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logHandler(logger, "positions")}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Total     int               `json:"total"`
}

// ListPositions returns the Positions of one wallet or one email, oldest
// first.
// GET /api/positions?wallet=0x...|email=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wallet, email := q.Get("wallet"), q.Get("email")

	var (
		positions []domain.Position
		err       error
	)
	switch {
	case wallet != "":
		if !walletPattern.MatchString(wallet) {
			writeError(w, http.StatusBadRequest, "wallet must be a 0x address")
			return
		}
		positions, err = h.positions.ListByWallet(r.Context(), wallet)
	case email != "":
		positions, err = h.positions.ListByEmail(r.Context(), email)
	default:
		writeError(w, http.StatusBadRequest, "wallet or email query parameter required")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: page(positions, parseListOpts(r)),
		Total:     len(positions),
	})
}

// GetPosition returns one Position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

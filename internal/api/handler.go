// Package api provides the HTTP handlers that drive a participant's journey
// through the experiment. Every handler loads the authoritative journey,
// checks it against the requested page, and redirects to the correct
// position rather than surfacing state errors.
package api

import (
	"log/slog"
	"math/rand/v2"
	"net/http"

	"github.com/behavlab/publicgoods/internal/config"
	"github.com/behavlab/publicgoods/internal/domain"
	"github.com/behavlab/publicgoods/internal/experiment"
	"github.com/behavlab/publicgoods/internal/identity"
	"github.com/behavlab/publicgoods/web"
)

// Handler serves the experiment pages.
type Handler struct {
	machine  *experiment.Machine
	renderer *web.Renderer
	cfg      *config.Config
	rng      *rand.Rand
	logger   *slog.Logger
}

// NewHandler creates a Handler. The random source drives the simulated
// opponent wait time; a nil source uses the shared process-wide generator,
// which is safe under concurrent requests.
func NewHandler(machine *experiment.Machine, renderer *web.Renderer, cfg *config.Config, rng *rand.Rand, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		machine:  machine,
		renderer: renderer,
		cfg:      cfg,
		rng:      rng,
		logger:   logger,
	}
}

func (h *Handler) waitJitter() float64 {
	if h.rng != nil {
		return h.rng.Float64()
	}
	return rand.Float64()
}

// routeFor maps a state-machine view to its URL path.
func routeFor(v experiment.View) string {
	switch v {
	case experiment.ViewWelcome:
		return "/"
	case experiment.ViewInstructions:
		return "/instructions"
	case experiment.ViewGame:
		return "/game"
	case experiment.ViewWaiting:
		return "/waiting"
	case experiment.ViewOutcome:
		return "/outcome"
	case experiment.ViewMessage:
		return "/message"
	case experiment.ViewAverageMessage:
		return "/average_message"
	case experiment.ViewSurvey:
		return "/survey"
	case experiment.ViewResult:
		return "/result"
	default:
		return "/"
	}
}

// loadJourney resolves the participant's journey for this request. A nil
// return means the response has already been written.
func (h *Handler) loadJourney(w http.ResponseWriter, r *http.Request) *domain.Journey {
	participantID := identity.ParticipantIDFromContext(r.Context())
	if participantID == "" {
		http.Error(w, "missing participant identity", http.StatusInternalServerError)
		return nil
	}

	j, err := h.machine.Load(r.Context(), participantID)
	if err != nil {
		h.logger.Error("failed to load journey", "participant_id", participantID, "error", err)
		h.renderError(w)
		return nil
	}

	// The client-held hint is never authoritative, but a disagreement means
	// a stale tab or a recovered journey; worth a log line.
	if hint, ok := identity.PositionHintFromRequest(r); ok {
		if hint.SessionNum != j.SessionNum || hint.RoundNum != j.RoundNum {
			h.logger.Info("client position hint out of date",
				"participant_id", participantID,
				"hint_session", hint.SessionNum, "hint_round", hint.RoundNum,
				"session", j.SessionNum, "round", j.RoundNum)
		}
	}
	return j
}

// redirectToPosition sends the client to the journey's authoritative page.
func (h *Handler) redirectToPosition(w http.ResponseWriter, r *http.Request, j *domain.Journey) {
	http.Redirect(w, r, routeFor(h.machine.Position(j)), http.StatusSeeOther)
}

// setPositionHint refreshes the client-held position echo.
func (h *Handler) setPositionHint(w http.ResponseWriter, j *domain.Journey) {
	identity.SetPositionHint(w, identity.PositionHint{
		Page:       string(h.machine.Position(j)),
		SessionNum: j.SessionNum,
		RoundNum:   j.RoundNum,
	}, h.cfg.IsDevelopment())
}

func (h *Handler) render(w http.ResponseWriter, view string, data any) {
	if err := h.renderer.Render(w, view, data); err != nil {
		h.logger.Error("render failed", "view", view, "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter) {
	w.WriteHeader(http.StatusInternalServerError)
	h.render(w, "error", nil)
}

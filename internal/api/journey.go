package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/behavlab/publicgoods/internal/domain"
	"github.com/behavlab/publicgoods/internal/experiment"
	"github.com/behavlab/publicgoods/internal/opponent"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the journey routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Welcome)
	r.Get("/instructions", h.Instructions)
	r.Get("/start", h.Start)
	r.Get("/game", h.Game)
	r.Post("/play", h.Play)
	r.Post("/play/{contribution}", h.Play)
	r.Get("/waiting", h.Waiting)
	r.Get("/outcome", h.Outcome)
	r.Get("/message", h.Message)
	r.Get("/average_message", h.AverageMessage)
	r.Get("/continue_game", h.ContinueGame)
	r.Get("/survey", h.Survey)
	r.Post("/survey", h.SubmitSurvey)
	r.Get("/survey/skip", h.SkipSurvey)
	r.Get("/result", h.Result)
}

// Welcome greets the participant and captures recruitment identifiers.
func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	pid := r.URL.Query().Get("PROLIFIC_PID")
	sid := r.URL.Query().Get("SESSION_ID")
	if err := h.machine.AttachRecruitment(r.Context(), j, pid, sid); err != nil {
		h.logger.Error("failed to attach recruitment ids", "error", err)
	}

	// Returning participants skip straight to where they left off.
	if j.Phase != domain.PhaseWelcome {
		h.redirectToPosition(w, r, j)
		return
	}

	h.setPositionHint(w, j)
	h.render(w, "welcome", map[string]any{
		"TotalSessions":    h.cfg.Game.TotalSessions,
		"RoundsPerSession": h.cfg.Game.RoundsPerSession,
	})
}

// Instructions shows the game rules.
func (h *Handler) Instructions(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if j.Phase != domain.PhaseWelcome && j.Phase != domain.PhaseInstructions {
		h.redirectToPosition(w, r, j)
		return
	}

	if err := h.machine.MarkInstructions(r.Context(), j); err != nil {
		h.logger.Error("failed to mark instructions", "error", err)
	}
	h.setPositionHint(w, j)
	h.render(w, "instructions", map[string]any{
		"InitialTokens":   h.cfg.Game.InitialTokens,
		"MaxContribution": h.cfg.Game.MaxContribution,
	})
}

// Start opens the main game.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	if err := h.machine.BeginJourney(r.Context(), j); err != nil {
		if errors.Is(err, experiment.ErrOutOfPosition) {
			h.redirectToPosition(w, r, j)
			return
		}
		h.logger.Error("failed to begin journey", "error", err)
		h.renderError(w)
		return
	}

	http.Redirect(w, r, "/game", http.StatusSeeOther)
}

// Game shows the contribution prompt for the current round.
func (h *Handler) Game(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	// A journey parked at a session boundary opens the next session here.
	if j.Phase == domain.PhaseSessionBoundary {
		if err := h.machine.AdvanceSession(r.Context(), j); err != nil {
			h.logger.Error("failed to advance session", "error", err)
			h.renderError(w)
			return
		}
	}
	if j.Phase != domain.PhaseAwaitingRound {
		h.redirectToPosition(w, r, j)
		return
	}

	if err := h.machine.MarkRoundStart(r.Context(), j); err != nil {
		h.logger.Error("failed to mark round start", "error", err)
	}

	choices := make([]int, h.cfg.Game.MaxContribution+1)
	for i := range choices {
		choices[i] = i
	}

	h.setPositionHint(w, j)
	h.render(w, "game", map[string]any{
		"SessionNum": j.SessionNum,
		"RoundNum":   j.RoundNum,
		"Balance":    formatBalance(j.ParticipantBalance, h.cfg.IntegerBalances()),
		"LastShare":  j.LastShare,
		"Choices":    choices,
	})
}

// Play accepts a round submission and resolves it.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	contribution, err := contributionFromRequest(r)
	if err != nil {
		http.Redirect(w, r, "/game", http.StatusSeeOther)
		return
	}

	out, err := h.machine.SubmitRound(r.Context(), j, contribution)
	switch {
	case err == nil:
	case errors.Is(err, experiment.ErrInvalidContribution):
		// Re-prompt; nothing was mutated.
		http.Redirect(w, r, "/game", http.StatusSeeOther)
		return
	case errors.Is(err, experiment.ErrOutOfPosition):
		h.redirectToPosition(w, r, j)
		return
	case errors.Is(err, opponent.ErrUpstreamUnavailable), errors.Is(err, opponent.ErrMalformedResponse):
		// Round unresolved; the participant may simply try again.
		h.render(w, "pending", nil)
		return
	default:
		h.logger.Error("failed to resolve round", "participant_id", j.ParticipantID, "error", err)
		h.renderError(w)
		return
	}

	h.setPositionHint(w, j)
	http.Redirect(w, r, routeFor(out.Next), http.StatusSeeOther)
}

func contributionFromRequest(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "contribution")
	if raw == "" {
		raw = r.PostFormValue("contribution")
	}
	return strconv.Atoi(raw)
}

// Waiting simulates the other player deliberating before the outcome.
func (h *Handler) Waiting(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if len(j.Transcript) == 0 {
		h.redirectToPosition(w, r, j)
		return
	}

	wait := 2.5 + h.waitJitter()*2.0
	h.render(w, "waiting", map[string]any{
		"WaitSeconds": fmt.Sprintf("%.1f", wait),
	})
}

// Outcome shows the resolved round.
func (h *Handler) Outcome(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if len(j.Transcript) == 0 {
		h.redirectToPosition(w, r, j)
		return
	}

	h.render(w, "outcome", map[string]any{
		"NetGain": formatBalance(j.LastNetGain, h.cfg.IntegerBalances()),
		"Balance": formatBalance(j.ParticipantBalance, h.cfg.IntegerBalances()),
	})
}

// Message shows the neutral between-session message to the control group.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if j.Phase != domain.PhaseInterventionPending || j.Group != domain.GroupControl {
		h.redirectToPosition(w, r, j)
		return
	}

	next := j.SessionNum + 1
	h.setPositionHint(w, j)
	h.render(w, "message", map[string]any{
		"Message":        fmt.Sprintf("You can now move on to session %d.", next),
		"NextSessionNum": next,
	})
}

// AverageMessage shows the divergence feedback to the experimental group.
func (h *Handler) AverageMessage(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if j.Phase != domain.PhaseInterventionPending || j.Group != domain.GroupExperimental || j.Divergence == nil {
		h.redirectToPosition(w, r, j)
		return
	}

	h.setPositionHint(w, j)
	h.render(w, "average_message", map[string]any{
		"Message":           divergenceMessage(j.Divergence),
		"AdditionalMessage": "Another player has also received information regarding their deviation from the average contribution.",
		"NextSessionNum":    j.SessionNum + 1,
	})
}

func divergenceMessage(d *domain.Divergence) string {
	diff := math.Round(d.ParticipantDiff)
	switch {
	case diff > 0:
		return fmt.Sprintf("You have contributed on average %.0f more than the previous participants.", diff)
	case diff < 0:
		return fmt.Sprintf("You have contributed on average %.0f less than the previous participants.", -diff)
	default:
		return fmt.Sprintf("You have contributed on average %.0f. Exactly the same as others typically contribute in this game.", math.Round(d.ParticipantMean))
	}
}

// ContinueGame acknowledges the intervention and opens the next session.
func (h *Handler) ContinueGame(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	if j.Phase == domain.PhaseInterventionPending {
		if err := h.machine.AcknowledgeIntervention(r.Context(), j); err != nil {
			h.logger.Error("failed to acknowledge intervention", "error", err)
			h.renderError(w)
			return
		}
	}
	if j.Phase == domain.PhaseSessionBoundary {
		if err := h.machine.AdvanceSession(r.Context(), j); err != nil {
			h.logger.Error("failed to advance session", "error", err)
			h.renderError(w)
			return
		}
	}

	h.setPositionHint(w, j)
	h.redirectToPosition(w, r, j)
}

var surveyItems = []struct {
	Name  string
	Label string
}{
	{"incom_1", "I often compare how I am doing socially with other people."},
	{"incom_2", "I am not the type of person who compares often with others."},
	{"incom_3", "I often compare how my loved ones are doing with how others are doing."},
	{"incom_4", "I often try to find out what others think who face similar problems as I face."},
	{"incom_5", "I always like to know what others in a similar situation would do."},
	{"incom_6", "If I want to learn more about something, I try to find out what others think about it."},
}

// Survey shows the closing questionnaire.
func (h *Handler) Survey(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}
	if j.Phase != domain.PhaseSurvey {
		h.redirectToPosition(w, r, j)
		return
	}

	items := make([]map[string]any, 0, len(surveyItems))
	for _, it := range surveyItems {
		items = append(items, map[string]any{
			"Name":  it.Name,
			"Label": it.Label,
			"Scale": []int{1, 2, 3, 4, 5},
		})
	}

	h.setPositionHint(w, j)
	h.render(w, "survey", map[string]any{"Items": items})
}

// SubmitSurvey stores the questionnaire answers and finishes the journey.
func (h *Handler) SubmitSurvey(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	resp := &domain.SurveyResponse{}
	fields := []*int{&resp.Incom1, &resp.Incom2, &resp.Incom3, &resp.Incom4, &resp.Incom5, &resp.Incom6}
	for i, it := range surveyItems {
		v, err := strconv.Atoi(r.PostFormValue(it.Name))
		if err != nil || v < 1 || v > 5 {
			http.Redirect(w, r, "/survey", http.StatusSeeOther)
			return
		}
		*fields[i] = v
	}

	if err := h.machine.SubmitSurvey(r.Context(), j, resp); err != nil {
		if errors.Is(err, experiment.ErrOutOfPosition) {
			h.redirectToPosition(w, r, j)
			return
		}
		h.logger.Error("failed to store survey", "error", err)
		h.renderError(w)
		return
	}
	http.Redirect(w, r, "/result", http.StatusSeeOther)
}

// SkipSurvey finishes the journey without questionnaire answers.
func (h *Handler) SkipSurvey(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	if err := h.machine.SkipSurvey(r.Context(), j); err != nil {
		if errors.Is(err, experiment.ErrOutOfPosition) {
			h.redirectToPosition(w, r, j)
			return
		}
		h.logger.Error("failed to skip survey", "error", err)
		h.renderError(w)
		return
	}
	http.Redirect(w, r, "/result", http.StatusSeeOther)
}

// Result shows the terminal aggregate view.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	j := h.loadJourney(w, r)
	if j == nil {
		return
	}

	res, err := h.machine.Results(r.Context(), j)
	if err != nil {
		if errors.Is(err, experiment.ErrOutOfPosition) {
			h.redirectToPosition(w, r, j)
			return
		}
		h.logger.Error("failed to build results", "error", err)
		h.renderError(w)
		return
	}

	h.setPositionHint(w, j)
	h.render(w, "result", res)
}

// formatBalance renders a balance per the active profile: whole tokens under
// the integer profile, one decimal under the floating profile.
func formatBalance(v float64, integer bool) string {
	if integer {
		return strconv.FormatFloat(math.Round(v), 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

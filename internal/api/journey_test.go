package api

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/behavlab/publicgoods/internal/config"
	"github.com/behavlab/publicgoods/internal/domain"
	"github.com/behavlab/publicgoods/internal/experiment"
	"github.com/behavlab/publicgoods/internal/identity"
	"github.com/behavlab/publicgoods/internal/opponent"
	"github.com/behavlab/publicgoods/internal/store"
	"github.com/behavlab/publicgoods/web"
	"github.com/go-chi/chi/v5"
)

// fixedPolicy always contributes the same amount, or fails.
type fixedPolicy struct {
	contribution int
	err          error
}

func (p *fixedPolicy) NextContribution(_ context.Context, _ *domain.Journey) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.contribution, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:   "8080",
		DBPath: "unused",
		Game: config.GameConfig{
			InitialTokens:       20,
			MaxContribution:     10,
			RoundsPerSession:    10,
			TotalSessions:       2,
			Multiplier:          1.3,
			MultiplierThreshold: 11,
			TypicalContribution: 8,
			RoundDeadline:       8 * time.Second,
			BonusPerToken:       0.01,
			BalanceMode:         config.BalanceModeInteger,
			DivergenceSession:   2,
		},
		Opponent: config.OpponentConfig{Mode: config.OpponentNoise},
	}
}

// newTestServer builds a full server wired to a temp database.
func newTestServer(t *testing.T, policy opponent.Policy) (*httptest.Server, store.Repository) {
	t.Helper()
	cfg := testConfig()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	rng := rand.New(rand.NewPCG(7, 7))
	machine := experiment.NewMachine(repo, policy, cfg, rng, nil)

	renderer, err := web.NewRenderer()
	if err != nil {
		t.Fatalf("Failed to parse templates: %v", err)
	}

	h := NewHandler(machine, renderer, cfg, rng, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

// newClient returns a client that keeps cookies and does not follow
// redirects, so tests can assert on Location headers.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(t *testing.T, c *http.Client, url string) *http.Response {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func postForm(t *testing.T, c *http.Client, u string, form url.Values) *http.Response {
	t.Helper()
	resp, err := c.PostForm(u, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", u, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func location(t *testing.T, resp *http.Response) string {
	t.Helper()
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatal("Expected a Location header")
	}
	return loc
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(b)
}

func TestWelcome_IssuesIdentityCookie(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{contribution: 5})
	c := newClient(t)

	resp := get(t, c, srv.URL+"/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	u, _ := url.Parse(srv.URL)
	found := false
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == identity.ParticipantCookieName && ck.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("Expected participant cookie to be set")
	}
}

func TestGame_RequiresStartedJourney(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{contribution: 5})
	c := newClient(t)

	resp := get(t, c, srv.URL+"/game")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect, got %d", resp.StatusCode)
	}
	if loc := location(t, resp); loc != "/" {
		t.Errorf("Expected redirect to /, got %s", loc)
	}
}

func TestPlay_ResolvesRoundAndRedirectsToWaiting(t *testing.T) {
	srv, repo := newTestServer(t, &fixedPolicy{contribution: 6})
	c := newClient(t)

	get(t, c, srv.URL+"/")
	get(t, c, srv.URL+"/instructions")
	get(t, c, srv.URL+"/start")
	get(t, c, srv.URL+"/game")

	resp := postForm(t, c, srv.URL+"/play", url.Values{"contribution": {"5"}})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect after play, got %d", resp.StatusCode)
	}
	if loc := location(t, resp); loc != "/waiting" {
		t.Errorf("Expected redirect to /waiting, got %s", loc)
	}

	// The round row must exist.
	u, _ := url.Parse(srv.URL)
	var pid string
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == identity.ParticipantCookieName {
			pid = ck.Value
		}
	}
	row, err := repo.GetRound(context.Background(), domain.RoundKey{ParticipantID: pid, SessionNum: 1, RoundNum: 1})
	if err != nil {
		t.Fatalf("GetRound failed: %v", err)
	}
	if row == nil {
		t.Fatal("Expected a persisted round")
	}
	if row.Contribution != 5 || row.BotContribution != 6 {
		t.Errorf("Unexpected contributions: %d / %d", row.Contribution, row.BotContribution)
	}
}

func TestPlay_InvalidContributionRePrompts(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{contribution: 6})
	c := newClient(t)

	get(t, c, srv.URL+"/")
	get(t, c, srv.URL+"/instructions")
	get(t, c, srv.URL+"/start")
	get(t, c, srv.URL+"/game")

	for _, raw := range []string{"11", "-1", "banana", ""} {
		resp := postForm(t, c, srv.URL+"/play", url.Values{"contribution": {raw}})
		if resp.StatusCode != http.StatusSeeOther {
			t.Fatalf("contribution %q: expected redirect, got %d", raw, resp.StatusCode)
		}
		if loc := location(t, resp); loc != "/game" {
			t.Errorf("contribution %q: expected redirect to /game, got %s", raw, loc)
		}
	}
}

func TestPlay_UpstreamFailureShowsPendingPage(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{err: opponent.ErrUpstreamUnavailable})
	c := newClient(t)

	get(t, c, srv.URL+"/")
	get(t, c, srv.URL+"/instructions")
	get(t, c, srv.URL+"/start")
	get(t, c, srv.URL+"/game")

	resp := postForm(t, c, srv.URL+"/play", url.Values{"contribution": {"5"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 pending page, got %d", resp.StatusCode)
	}
	if !strings.Contains(body(t, resp), "has not responded yet") {
		t.Error("Expected pending page content")
	}

	// Re-opening the game after a failed resolution must still work.
	resp = get(t, c, srv.URL+"/game")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected game page after failure, got %d", resp.StatusCode)
	}
}

func TestOutcome_WithoutRoundsRedirects(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{contribution: 5})
	c := newClient(t)

	get(t, c, srv.URL+"/")
	resp := get(t, c, srv.URL+"/outcome")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect, got %d", resp.StatusCode)
	}
}

// playSession plays every round of the current session.
func playSession(t *testing.T, c *http.Client, base string, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		get(t, c, base+"/game")
		resp := postForm(t, c, base+"/play", url.Values{"contribution": {"5"}})
		if resp.StatusCode != http.StatusSeeOther {
			t.Fatalf("round %d: expected redirect, got %d", i+1, resp.StatusCode)
		}
	}
}

func TestFullJourney_OverHTTP(t *testing.T) {
	srv, repo := newTestServer(t, &fixedPolicy{contribution: 6})
	c := newClient(t)

	get(t, c, srv.URL+"/?PROLIFIC_PID=abc123&SESSION_ID=s9")
	get(t, c, srv.URL+"/instructions")
	get(t, c, srv.URL+"/start")

	playSession(t, c, srv.URL, 10)

	// Between sessions the participant lands on an intervention page.
	resp := get(t, c, srv.URL+"/game")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect off /game, got %d", resp.StatusCode)
	}
	loc := location(t, resp)
	if loc != "/message" && loc != "/average_message" {
		t.Fatalf("Expected an intervention page, got %s", loc)
	}
	if r := get(t, c, srv.URL+loc); r.StatusCode != http.StatusOK {
		t.Fatalf("Intervention page failed: %d", r.StatusCode)
	}

	if r := get(t, c, srv.URL+"/continue_game"); r.StatusCode != http.StatusSeeOther {
		t.Fatalf("continue_game: expected redirect, got %d", r.StatusCode)
	}

	playSession(t, c, srv.URL, 10)

	// Survey, then results.
	resp = get(t, c, srv.URL+"/survey")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected survey page, got %d", resp.StatusCode)
	}

	form := url.Values{}
	for _, name := range []string{"incom_1", "incom_2", "incom_3", "incom_4", "incom_5", "incom_6"} {
		form.Set(name, "3")
	}
	resp = postForm(t, c, srv.URL+"/survey", form)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect to result, got %d", resp.StatusCode)
	}
	if loc := location(t, resp); loc != "/result" {
		t.Errorf("Expected /result, got %s", loc)
	}

	resp = get(t, c, srv.URL+"/result")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected result page, got %d", resp.StatusCode)
	}
	if !strings.Contains(body(t, resp), "bonus") {
		t.Error("Expected bonus on results page")
	}

	// Recruitment identifiers must have been stamped on the rows.
	u, _ := url.Parse(srv.URL)
	var pid string
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == identity.ParticipantCookieName {
			pid = ck.Value
		}
	}
	row, err := repo.GetRound(context.Background(), domain.RoundKey{ParticipantID: pid, SessionNum: 1, RoundNum: 1})
	if err != nil || row == nil {
		t.Fatalf("Expected round row, err=%v", err)
	}
	if row.ProlificPID != "abc123" {
		t.Errorf("Expected prolific pid on row, got %q", row.ProlificPID)
	}

	// The game is over; no further rounds are accepted.
	resp = postForm(t, c, srv.URL+"/play", url.Values{"contribution": {"5"}})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect, got %d", resp.StatusCode)
	}
	if loc := location(t, resp); loc != "/result" {
		t.Errorf("Expected redirect to /result, got %s", loc)
	}
}

func TestSurveySkip_LandsOnResult(t *testing.T) {
	srv, _ := newTestServer(t, &fixedPolicy{contribution: 6})
	c := newClient(t)

	get(t, c, srv.URL+"/")
	get(t, c, srv.URL+"/instructions")
	get(t, c, srv.URL+"/start")
	playSession(t, c, srv.URL, 10)
	get(t, c, srv.URL+"/continue_game")
	get(t, c, srv.URL+"/continue_game")
	playSession(t, c, srv.URL, 10)

	resp := get(t, c, srv.URL+"/survey/skip")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("Expected redirect, got %d", resp.StatusCode)
	}
	if loc := location(t, resp); loc != "/result" {
		t.Errorf("Expected /result, got %s", loc)
	}
}

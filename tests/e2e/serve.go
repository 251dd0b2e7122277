package e2e

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/chatscheduler/internal/handlers"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository"
	"github.com/nkiryanov/chatscheduler/internal/repository/postgres"
	"github.com/nkiryanov/chatscheduler/internal/secret"
	"github.com/nkiryanov/chatscheduler/internal/service/auth"
	"github.com/nkiryanov/chatscheduler/internal/service/credential"
	"github.com/nkiryanov/chatscheduler/internal/service/dispatcher"
	"github.com/nkiryanov/chatscheduler/internal/service/message"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
	"github.com/nkiryanov/chatscheduler/internal/testutil"
)

const FrontendURL = "http://frontend.test/"

type Services struct {
	Slack      *FakeSlack
	Storage    repository.Storage
	Tokens     *credential.Manager
	Dispatcher *dispatcher.Dispatcher
}

// Create db transaction and run server in with that connection (one connection cause one transaction)
// Dispatcher is not started: call Tick to deliver due messages
// The created transaction passed to inner function: so, you can safely use testutil.WithTx with it
func ServeWithTx(dbpool *pgxpool.Pool, t *testing.T, mode models.ScheduleMode, fn func(tx pgx.Tx, srvURL string, s Services)) {
	fakeSlack := NewFakeSlack()
	defer fakeSlack.Close()

	testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
		l := logger.NewNoOpLogger()

		box, err := secret.NewBox("test-secret")
		require.NoError(t, err)
		storage := postgres.NewStorage(tx, box)

		// Initialize services
		slackClient := slack.NewClient(slack.Config{BaseURL: fakeSlack.URL, ClientID: "cid", ClientSecret: "csecret", RPS: 1000}, l)
		sessions, err := auth.NewSessionManager(auth.SessionConfig{SecretKey: "test-secret"})
		require.NoError(t, err, "session manager should be created without errors")

		tokens := credential.NewManager(storage.Credential(), slackClient, l)
		as := auth.NewService(sessions, storage.Credential(), slackClient, tokens, l)
		ms := message.NewService(storage.Message(), tokens, slackClient, mode, l)
		disp := dispatcher.New(
			dispatcher.Config{MaxAttempts: models.MaxDeliveryAttempts, Mode: mode},
			storage.Message(), tokens, slackClient, l,
		)

		// Complete all together as router
		router := handlers.NewRouter(
			handlers.RouterConfig{},
			as,
			handlers.NewAuth(as, tokens, FrontendURL, l),
			handlers.NewMessage(ms, l),
			l,
		)

		// Run http server with the router in transaction
		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(tx, srv.URL, Services{
			Slack:      fakeSlack,
			Storage:    storage,
			Tokens:     tokens,
			Dispatcher: disp,
		})
	})
}

// Connect goes through OAuth callback and returns session token from frontend redirect
func Connect(t *testing.T, srvURL string) string {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	resp, err := client.Get(srvURL + "/api/auth/slack/callback?code=oauth-code")
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	token := location.Query().Get("token")
	require.NotEmpty(t, token, "session token should be passed to frontend")
	return token
}

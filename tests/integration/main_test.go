//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/avolkhin/herald/internal/app"
	"github.com/avolkhin/herald/internal/auth"
	"github.com/avolkhin/herald/internal/config"
	"github.com/avolkhin/herald/internal/testutil"
)

// testJWTSecret signs tokens for both the server and the test helpers, so
// tests can mint tokens for arbitrary users without an admin bootstrap.
const testJWTSecret = "integration-suite-0123456789abcdef"

var (
	testServer   *httptest.Server
	application  *app.App
	apiValidator *testutil.OpenAPIValidator
	testTokens   *auth.TokenManager
	mailpit      *testutil.MailpitContainer
	pushGW       *pushGateway
)

// TestMain starts postgres, redis and mailpit containers plus a fake push
// gateway, boots the application against them and serves its router from an
// httptest server. The queue workers and the janitor are never started:
// deliveries in these tests happen through the inline attempt on enqueue,
// which keeps outcomes deterministic.
func TestMain(m *testing.M) {
	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	redis, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start redis container: %v", err)
	}

	mailpit, err = testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start mailpit container: %v", err)
	}

	pushGW = newPushGateway()

	cfg := config.Default()
	cfg.Database.URL = pg.ConnectionString
	cfg.JWT.Secret = testJWTSecret
	cfg.Redis.Enabled = true
	cfg.Redis.URL = redis.URL
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.Email.Enabled = true
	cfg.Email.Host = mailpit.SMTPHost
	cfg.Email.Port = mailpit.SMTPPort
	cfg.Email.FromAddress = "Herald <noreply@herald.test>"
	cfg.Push.Enabled = true
	cfg.Push.Endpoint = pushGW.URL()
	cfg.Push.AuthToken = "test-push-token"
	cfg.Push.RatePerSec = 1000
	// SMS stays disabled so tests can observe the failure path for sends
	// on a channel without a configured provider.

	application, err = app.New(&cfg)
	if err != nil {
		log.Fatalf("failed to create application: %v", err)
	}

	testTokens, err = auth.NewTokenManager(auth.Config{
		Secret:        cfg.JWT.Secret,
		TokenDuration: cfg.JWT.TokenDuration,
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		log.Fatalf("failed to create token manager: %v", err)
	}

	apiValidator, err = testutil.LoadOpenAPIValidator("../../api/openapi/openapi.yaml")
	if err != nil {
		log.Fatalf("failed to load OpenAPI validator: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	code := m.Run()

	testServer.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("application shutdown: %v", err)
	}
	cancel()
	pushGW.Close()

	if err := mailpit.Terminate(ctx); err != nil {
		log.Printf("failed to terminate mailpit container: %v", err)
	}
	if err := redis.Terminate(ctx); err != nil {
		log.Printf("failed to terminate redis container: %v", err)
	}
	if err := pg.Terminate(ctx); err != nil {
		log.Printf("failed to terminate postgres container: %v", err)
	}

	os.Exit(code)
}

package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"time"

	"surveysync/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("portal")

var (
	// ErrAuthentication covers both rejected credentials and an unreachable
	// portal, the two are indistinguishable to callers.
	ErrAuthentication = errors.New("portal authentication failed")
	// ErrNotFound covers missing forms, layer/table positions and content items.
	ErrNotFound = errors.New("not found on portal")
)

const (
	report_session_connect = "session.connect"
)

// Config identifies the portal and the account used against it.
type Config struct {
	Url      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is an authenticated handle to the portal's sharing API. It lives
// for a single batch operation and is never persisted or pooled.
type Session struct {
	http     *resty.Client
	username string
	token    string

	tel telemetry.API
}

// apiError is the error object the portal returns inside an HTTP 200 body.
type apiError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("portal error %d: %s", e.Code, e.Message)
}

// decodeResponse unmarshals a portal JSON body into out, surfacing the
// error envelope the portal hides behind a 200 status.
func decodeResponse(res *resty.Response, out any) error {
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(res.Body(), &envelope); err != nil {
		return fmt.Errorf("decode portal response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(res.Body(), out)
}

// Connect authenticates against the portal with the given credentials and
// returns a ready session. It is safe to call repeatedly, every call performs
// a fresh token exchange.
func Connect(ctx context.Context, config Config, tel telemetry.API) (*Session, error) {
	tel = telemetry.NewScopedAPI("portal", tel)

	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	httpClient := resty.New()
	httpClient.SetBaseURL(config.Url)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.SetTimeout(time.Minute)

	// 2 requests max per second
	// max burst >= 2 just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(2, 2)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	s := &Session{
		http:     httpClient,
		username: config.Username,
		tel:      tel,
	}
	if err := s.generateToken(ctx, config); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) generateToken(ctx context.Context, config Config) error {
	res, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":   config.Username,
			"password":   config.Password,
			"client":     "referer",
			"referer":    config.Url,
			"expiration": "60",
			"f":          "json",
		}).
		Post("/sharing/rest/generateToken")
	if err != nil {
		s.tel.ReportBroken(
			report_session_connect,
			fmt.Errorf("token request: %w", err),
		)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	var token struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := decodeResponse(res, &token); err != nil {
		s.tel.ReportBroken(report_session_connect, err)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if token.Token == "" {
		err := fmt.Errorf("portal returned no token")
		s.tel.ReportBroken(report_session_connect, err)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	s.token = token.Token
	s.http.SetQueryParam("token", s.token)
	s.tel.ReportDebug("connected", "portal", config.Url, "user", config.Username)
	return nil
}

// Username returns the account the session authenticated as.
func (s *Session) Username() string {
	return s.username
}

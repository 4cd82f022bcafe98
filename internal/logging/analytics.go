package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

const (
	analyticsBaseURL          = "https://www.google-analytics.com"
	analyticsCollectPath      = "/mp/collect"
	analyticsDebugCollectPath = "/debug/mp/collect"

	defaultEngagementTimeMsec = 100
	analyticsEventName        = "log"
)

var (
	errRateLimited     = errors.New("analytics rate limit exceeded")
	errAnalyticsStatus = errors.New("analytics endpoint rejected event")
)

// Limiter decides whether one more event may be sent now.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

type localLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows perSecond events per second with the given burst, per process.
func NewLocalLimiter(perSecond float64, burst int) Limiter {
	return &localLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *localLimiter) Allow(ctx context.Context) (bool, error) {
	return l.limiter.Allow(), nil
}

type redisLimiter struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
}

// NewRedisLimiter shares a perSecond budget across every process using the same key.
func NewRedisLimiter(client *redis.Client, key string, perSecond, burst int) Limiter {
	limit := redis_rate.PerSecond(perSecond)
	if burst > 0 {
		limit.Burst = burst
	}
	return &redisLimiter{limiter: redis_rate.NewLimiter(client), key: key, limit: limit}
}

func (l *redisLimiter) Allow(ctx context.Context) (bool, error) {
	res, err := l.limiter.Allow(ctx, l.key, l.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}

// AnalyticsConfig configures the Measurement Protocol transport.
type AnalyticsConfig struct {
	MeasurementID string
	APISecret     string
	Debug         bool
	BaseURL       string
	Timeout       time.Duration
}

// Analytics reports each entry as a "log" event to Google Analytics 4
// through the Measurement Protocol.
type Analytics struct {
	cfg      AnalyticsConfig
	client   *http.Client
	sessions SessionStore
	limiter  Limiter
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time
	logger   *utils.Logger
}

// NewAnalytics builds the transport. A nil sessions uses an in-memory store
// and a nil limiter allows 10 events per second.
func NewAnalytics(cfg AnalyticsConfig, sessions SessionStore, limiter Limiter) *Analytics {
	if cfg.BaseURL == "" {
		cfg.BaseURL = analyticsBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if sessions == nil {
		sessions = NewMemorySessionStore(DefaultSessionTimeout)
	}
	if limiter == nil {
		limiter = NewLocalLimiter(10, 20)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &Analytics{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		sessions: sessions,
		limiter:  limiter,
		breaker:  breaker,
		now:      time.Now,
		logger:   utils.NewLogger("analytics-transport"),
	}
}

func (a *Analytics) Name() string { return "analytics" }

func (a *Analytics) Send(ctx context.Context, entry *models.LogEntry) {
	report(a.logger, a.Name(), entry, a.send(ctx, entry))
}

// BreakerState reports the circuit breaker state.
func (a *Analytics) BreakerState() gobreaker.State {
	return a.breaker.State()
}

type analyticsEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

type analyticsPayload struct {
	ClientID string           `json:"client_id"`
	Events   []analyticsEvent `json:"events"`
}

func (a *Analytics) send(ctx context.Context, entry *models.LogEntry) error {
	allowed, err := a.limiter.Allow(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return errRateLimited
	}

	clientID, err := a.sessions.ClientID(ctx)
	if err != nil {
		return err
	}
	sessionID, err := a.sessions.SessionID(ctx, a.now())
	if err != nil {
		return err
	}

	params := FlattenParams(entry.Document())
	params["session_id"] = sessionID
	params["engagement_time_msec"] = defaultEngagementTimeMsec

	body, err := json.Marshal(analyticsPayload{
		ClientID: clientID,
		Events:   []analyticsEvent{{Name: analyticsEventName, Params: params}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode analytics event: %w", err)
	}

	_, err = a.breaker.Execute(func() (interface{}, error) {
		return nil, a.post(ctx, body)
	})
	return err
}

func (a *Analytics) endpoint() string {
	path := analyticsCollectPath
	if a.cfg.Debug {
		path = analyticsDebugCollectPath
	}
	q := url.Values{}
	q.Set("measurement_id", a.cfg.MeasurementID)
	q.Set("api_secret", a.cfg.APISecret)
	return a.cfg.BaseURL + path + "?" + q.Encode()
}

func (a *Analytics) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	if a.cfg.Debug {
		validation, _ := io.ReadAll(resp.Body)
		a.logger.Info("Analytics validation response", "status", resp.StatusCode, "body", string(validation))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", errAnalyticsStatus, resp.StatusCode)
	}
	return nil
}

// FlattenParams turns a nested document into a flat map whose keys join
// the path with "_". Array elements use their index. Null values are dropped.
func FlattenParams(doc map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + "_" + key
	}

	switch val := v.(type) {
	case nil:
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(out, join(k), val[k])
		}
	case []any:
		for i, item := range val {
			flattenInto(out, join(strconv.Itoa(i)), item)
		}
	case time.Time:
		out[prefix] = val.UTC().Format(time.RFC3339Nano)
	default:
		out[prefix] = val
	}
}

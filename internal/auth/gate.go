// Package auth validates bearer tokens and authorizes access to a script
// resource by calling the general-services authority.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/script-gateway/pkg/json"
)

var (
	// ErrDenied is returned when the token or resource authorization is
	// rejected. Fatal to the connection, never retried.
	ErrDenied = errors.New("authorization denied")
	// ErrUnavailable is returned when the authority cannot be reached in
	// time. Transient; the caller decides whether to close or retry.
	ErrUnavailable = errors.New("authority unavailable")
)

const authorityTimeout = 5 * time.Second

// Identity is the result of a successful authentication.
type Identity struct {
	UserID      int64
	Scope       string
	TokenExpiry time.Time
}

// claims is the token shape issued by the general services.
type claims struct {
	User  int64  `json:"user"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Gate authenticates tokens and authorizes script access.
type Gate struct {
	key       *rsa.PublicKey
	authority string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
}

// New builds a Gate. encodedKey is a base64-encoded RSA public key PEM.
func New(encodedKey, authorityURL string, log *zap.Logger) (*Gate, error) {
	pem, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "authority",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A denial is an answer from the authority, not a fault in it.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDenied)
		},
	})

	return &Gate{
		key:       key,
		authority: authorityURL,
		client:    &http.Client{Timeout: authorityTimeout},
		breaker:   breaker,
		log:       log.With(zap.String("module", "auth")),
	}, nil
}

// Authenticate verifies the bearer token, then authorizes access to the
// resource against the authority. It returns the identity and the resolved
// resource identifier; resolution happens here, before room admission, and
// the identifier never changes afterwards.
func (g *Gate) Authenticate(ctx context.Context, token, resourceID string) (Identity, string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(_ *jwt.Token) (interface{}, error) {
		return g.key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		return Identity{}, "", fmt.Errorf("%w: invalid token", ErrDenied)
	}
	if c.Subject != "access" {
		return Identity{}, "", fmt.Errorf("%w: token is not an access token", ErrDenied)
	}

	resolved, err := g.authorizeScript(ctx, resourceID)
	if err != nil {
		return Identity{}, "", err
	}

	id := Identity{UserID: c.User, Scope: c.Scope}
	if c.ExpiresAt != nil {
		id.TokenExpiry = c.ExpiresAt.Time
	}
	return id, resolved, nil
}

// authorizeScript asks the authority whether the script exists and is
// accessible, and returns its canonical identifier.
func (g *Gate) authorizeScript(ctx context.Context, resourceID string) (string, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, authorityTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			g.authority+"/script/internal/"+resourceID, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		req.Header.Set("User-Agent", "script-gateway")

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if resp.StatusCode != http.StatusOK {
			var denial struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(body, &denial); err != nil || denial.Error == "" {
				return nil, fmt.Errorf("%w: authority returned status %d", ErrDenied, resp.StatusCode)
			}
			return nil, fmt.Errorf("%w: %s", ErrDenied, denial.Error)
		}

		var script struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &script); err != nil {
			return nil, fmt.Errorf("%w: malformed authority response: %v", ErrUnavailable, err)
		}
		return strconv.FormatInt(script.ID, 10), nil
	})
	if err != nil {
		// A denial passes through the breaker unchanged; everything else,
		// including an open breaker, is a transient authority fault.
		if errors.Is(err, ErrDenied) {
			return "", err
		}
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		g.log.Warn("authority call failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resolved, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected authority result", ErrUnavailable)
	}
	return resolved, nil
}

// IsDenied reports whether err is a fatal authorization rejection.
func IsDenied(err error) bool { return errors.Is(err, ErrDenied) }

// IsUnavailable reports whether err is a transient authority fault.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

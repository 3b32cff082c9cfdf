package token

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const claimsKey contextKey = "delivery_claims"

// VerifierConfig configures a Verifier that fetches keys over HTTP.
type VerifierConfig struct {
	JWKSURL         string
	Audience        string
	Issuer          string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// Verifier checks delivery tokens on inbound requests.
type Verifier struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
	leeway   time.Duration
	logger   *slog.Logger
}

// NewVerifier fetches the JWKS from cfg.JWKSURL and keeps it refreshed. The
// first fetch may fail so the handler can start before the delivery
// service is up.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	logger := slog.Default().With("component", "token-verifier")
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: cfg.ClientTimeout},
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", "url", cfg.JWKSURL, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating jwks storage: %w", err)
	}
	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("creating keyfunc: %w", err)
	}
	return NewVerifierWithKeyfunc(kf, cfg.Audience, cfg.Issuer, cfg.Leeway), nil
}

// NewVerifierFromJWKS builds a Verifier over a fixed key set.
func NewVerifierFromJWKS(raw json.RawMessage, audience, issuer string) (*Verifier, error) {
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing jwks: %w", err)
	}
	return NewVerifierWithKeyfunc(kf, audience, issuer, 0), nil
}

func NewVerifierWithKeyfunc(kf keyfunc.Keyfunc, audience, issuer string, leeway time.Duration) *Verifier {
	return &Verifier{
		jwks:     kf,
		audience: audience,
		issuer:   issuer,
		leeway:   leeway,
		logger:   slog.Default().With("component", "token-verifier"),
	}
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, v.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := v.Verify(r.Context(), raw)
			if err != nil {
				v.logger.Debug("token rejected", "error", err, "remote_addr", r.RemoteAddr)
				unauthorized(w, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims of the verified caller, if any.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

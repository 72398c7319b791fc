package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"sediment-server/internal/config"
	"sediment-server/internal/models"
	"sediment-server/internal/utils"
)

const (
	doctorIDKey    = "doctorID"
	doctorEmailKey = "doctorEmail"
)

var (
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrAuthUnavailable = errors.New("identity provider unavailable")
)

// Identity is the authenticated principal behind a bearer token.
type Identity struct {
	DoctorID string
	Email    string
	Role     string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// DoctorProvisioner creates the doctor row of a newly seen identity.
type DoctorProvisioner interface {
	EnsureDoctor(ctx context.Context, doctorID, email string) (*models.Doctor, error)
}

// NewVerifier builds the verifier selected by cfg.Mode.
func NewVerifier(cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case config.AuthModeJWT:
		return &JWTVerifier{cfg: cfg}, nil
	case config.AuthModeRemote:
		return NewRemoteVerifier(cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// JWTVerifier checks tokens locally with the identity provider's signing secret.
type JWTVerifier struct {
	cfg config.AuthConfig
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	claims, err := utils.ValidateToken(token, v.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Identity{DoctorID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// RemoteVerifier asks the identity provider who a token belongs to. Answers
// are cached briefly, keyed by a hash of the token.
type RemoteVerifier struct {
	url     string
	anonKey string
	client  *http.Client
	cache   *cache.Cache
}

// NewRemoteVerifier creates a RemoteVerifier for cfg.URL.
func NewRemoteVerifier(cfg config.AuthConfig) *RemoteVerifier {
	return &RemoteVerifier{
		url:     strings.TrimRight(cfg.URL, "/") + "/auth/v1/user",
		anonKey: cfg.AnonKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache.New(time.Minute, 5*time.Minute),
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if id, ok := v.cache.Get(key); ok {
		return id.(*Identity), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.anonKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrAuthUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, ErrInvalidToken
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: decode user: %v", ErrAuthUnavailable, err)
	}
	if _, err := uuid.Parse(user.ID); err != nil {
		return nil, ErrInvalidToken
	}

	id := &Identity{DoctorID: user.ID, Email: user.Email, Role: user.Role}
	v.cache.Set(key, id, cache.DefaultExpiration)
	return id, nil
}

// AuthMiddleware creates a middleware for bearer token authentication. The
// doctor row is provisioned the first time an identity is seen by this process.
func AuthMiddleware(verifier Verifier, doctors DoctorProvisioner, logger zerolog.Logger) gin.HandlerFunc {
	provisioned := cache.New(30*time.Minute, time.Hour)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			utils.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			if errors.Is(err, ErrAuthUnavailable) {
				logger.Error().Err(err).Msg("token verification failed")
				utils.Error(c, http.StatusServiceUnavailable, "Authentication service unavailable")
			} else {
				utils.Unauthorized(c, "Invalid or expired token")
			}
			c.Abort()
			return
		}

		if _, seen := provisioned.Get(identity.DoctorID); !seen {
			if _, err := doctors.EnsureDoctor(c.Request.Context(), identity.DoctorID, identity.Email); err != nil {
				logger.Error().Err(err).Str("doctor_id", identity.DoctorID).Msg("failed to provision doctor")
				utils.InternalServerError(c, "Failed to load doctor profile")
				c.Abort()
				return
			}
			provisioned.SetDefault(identity.DoctorID, struct{}{})
		}

		// Set doctor information in context for downstream handlers
		c.Set(doctorIDKey, identity.DoctorID)
		c.Set(doctorEmailKey, identity.Email)

		c.Next()
	}
}

// GetDoctorIDFromContext returns the authenticated doctor's id.
func GetDoctorIDFromContext(c *gin.Context) (string, bool) {
	doctorID, exists := c.Get(doctorIDKey)
	if !exists {
		return "", false
	}
	idStr, ok := doctorID.(string)
	return idStr, ok
}

// GetDoctorEmailFromContext returns the authenticated doctor's email, if any.
func GetDoctorEmailFromContext(c *gin.Context) string {
	return c.GetString(doctorEmailKey)
}

package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingTenantID      = errors.New("missing tenant ID in token")
	ErrTenantIDMismatch     = errors.New("tenant ID mismatch between token and URL")
)

// AuthService defines the interface for authentication operations.
// This abstraction enables clean separation between HTTP handling
// and authentication logic, making both easier to test.
type AuthService interface {
	// ValidateRequest extracts and validates the bearer JWT from the
	// Authorization header. Returns the validated claims and raw token.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireTenantID validates that the claims contain a tenant ID.
	RequireTenantID(claims *Claims) error

	// ValidateTenantIDMatch ensures the URL tenant ID matches the token tenant ID.
	// If urlTenantID is empty, validation is skipped.
	ValidateTenantIDMatch(claims *Claims, urlTenantID string) error
}

// authService implements AuthService.
type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

// ValidateRequest extracts and validates a JWT from the request.
func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	scheme, tokenString, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}

	return claims, tokenString, nil
}

// RequireTenantID validates that the claims contain a tenant ID.
func (s *authService) RequireTenantID(claims *Claims) error {
	if claims.TenantID == "" {
		return ErrMissingTenantID
	}
	return nil
}

// ValidateTenantIDMatch ensures the URL tenant ID matches the token tenant ID.
func (s *authService) ValidateTenantIDMatch(claims *Claims, urlTenantID string) error {
	if urlTenantID != "" && !strings.EqualFold(claims.TenantID, urlTenantID) {
		s.logger.Warn("Tenant ID mismatch",
			zap.String("url_tenant_id", urlTenantID),
			zap.String("token_tenant_id", claims.TenantID))
		return ErrTenantIDMismatch
	}
	return nil
}

// Ensure authService implements AuthService at compile time.
var _ AuthService = (*authService)(nil)

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go/service/cognitoidentityprovider/cognitoidentityprovideriface"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

var (
	ErrMissingToken = errors.New("authorization token required")
	ErrInvalidToken = errors.New("invalid token")
)

const claimsCachePrefix = "auth:claims:"

// Claims are the identity fields of a verified bearer token
type Claims struct {
	Subject    string `json:"sub"`
	Email      string `json:"email,omitempty"`
	Username   string `json:"username,omitempty"`
	TokenUse   string `json:"token_use,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	TenantSlug string `json:"tenant_slug,omitempty"`
	Role       string `json:"role,omitempty"`
	ExpiresAt  int64  `json:"exp,omitempty"`
}

// HasTenant reports whether the token names a tenant
func (c *Claims) HasTenant() bool {
	return c.TenantID != "" || c.TenantSlug != ""
}

// TokenVerifier checks a token's signature and expiry and returns its claims
type TokenVerifier interface {
	Verify(token string) (jwt.MapClaims, error)
}

// SecretVerifier verifies HS256 tokens signed with a shared secret
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

func (v *SecretVerifier) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	return claims, nil
}

// JWKSVerifier verifies Cognito RS256 tokens. Only access and id tokens
// are accepted.
type JWKSVerifier struct {
	validator *utils.JWKSValidator
}

func NewJWKSVerifier(validator *utils.JWKSValidator) *JWKSVerifier {
	return &JWKSVerifier{validator: validator}
}

func (v *JWKSVerifier) Verify(tokenString string) (jwt.MapClaims, error) {
	claims, err := v.validator.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if use := getClaimString(claims, "token_use"); use != "" && use != "access" && use != "id" {
		return nil, fmt.Errorf("invalid token use: expected 'access' or 'id', got '%s'", use)
	}
	return claims, nil
}

// AttributeLookup fetches user attributes a token did not carry
type AttributeLookup interface {
	UserAttributes(ctx context.Context, username string) (map[string]string, error)
}

// CognitoLookup reads user attributes with AdminGetUser
type CognitoLookup struct {
	client     cognitoidentityprovideriface.CognitoIdentityProviderAPI
	userPoolID string
	timeout    time.Duration
}

// NewCognitoLookup creates a lookup against a Cognito user pool. A zero
// timeout leaves the caller's deadline in charge.
func NewCognitoLookup(region, userPoolID string, timeout time.Duration) (*CognitoLookup, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}
	return &CognitoLookup{
		client:     cognitoidentityprovider.New(sess),
		userPoolID: userPoolID,
		timeout:    timeout,
	}, nil
}

func (l *CognitoLookup) UserAttributes(ctx context.Context, username string) (map[string]string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	out, err := l.client.AdminGetUserWithContext(ctx, &cognitoidentityprovider.AdminGetUserInput{
		UserPoolId: aws.String(l.userPoolID),
		Username:   aws.String(username),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Cognito: %w", err)
	}

	attrs := make(map[string]string, len(out.UserAttributes))
	for _, attr := range out.UserAttributes {
		attrs[aws.StringValue(attr.Name)] = aws.StringValue(attr.Value)
	}
	return attrs, nil
}

// AuthMiddleware handles bearer token validation
type AuthMiddleware struct {
	verifier       TokenVerifier
	lookup         AttributeLookup
	redis          *redis.Client
	cacheTTL       time.Duration
	circuitBreaker *utils.CircuitBreaker
	log            *logrus.Entry
	now            func() time.Time
}

// AuthOption configures an AuthMiddleware
type AuthOption func(*AuthMiddleware)

// WithClaimsCache caches verified claims in Redis, keyed by token hash
func WithClaimsCache(client *redis.Client, ttl time.Duration) AuthOption {
	return func(am *AuthMiddleware) {
		am.redis = client
		am.cacheTTL = ttl
	}
}

// WithAttributeLookup fills missing tenant and role claims from the
// identity provider
func WithAttributeLookup(lookup AttributeLookup) AuthOption {
	return func(am *AuthMiddleware) {
		am.lookup = lookup
	}
}

func WithAuthLogger(log *logrus.Entry) AuthOption {
	return func(am *AuthMiddleware) {
		am.log = log
	}
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, opts ...AuthOption) *AuthMiddleware {
	am := &AuthMiddleware{
		verifier:       verifier,
		circuitBreaker: utils.NewCircuitBreaker(5, 30*time.Second),
		log:            logrus.NewEntry(logrus.StandardLogger()),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(am)
	}
	am.log = am.log.WithField("component", "auth")
	return am
}

// Authenticate verifies token and returns its claims, from cache when a
// previous request already verified it
func (am *AuthMiddleware) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	cacheKey := utils.TokenCacheKey(claimsCachePrefix, tokenString)
	var cached Claims
	hit, err := utils.CacheGetJSON(ctx, am.redis, cacheKey, &cached)
	if err != nil {
		am.log.WithError(err).Warn("Claims cache read failed")
	}
	if hit && (cached.ExpiresAt == 0 || am.now().Unix() < cached.ExpiresAt) {
		return &cached, nil
	}

	raw, err := am.verifier.Verify(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims := claimsFromMap(raw)
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if (!claims.HasTenant() || claims.Role == "") && am.lookup != nil {
		am.fillFromProvider(ctx, claims)
	}
	if claims.Role == "" {
		claims.Role = string(models.RoleUser)
	}

	am.cacheClaims(ctx, cacheKey, claims)
	return claims, nil
}

// fillFromProvider is best-effort: a token without a tenant claim can still
// be resolved from the header, host or query
func (am *AuthMiddleware) fillFromProvider(ctx context.Context, claims *Claims) {
	username := claims.Username
	if username == "" {
		username = claims.Subject
	}

	var attrs map[string]string
	err := am.circuitBreaker.Call(func() error {
		var err error
		attrs, err = am.lookup.UserAttributes(ctx, username)
		return err
	})
	if err != nil {
		am.log.WithError(err).WithField("sub", claims.Subject).Warn("User attribute lookup failed")
		return
	}

	if claims.TenantID == "" {
		claims.TenantID = attrs["custom:tenant_id"]
	}
	if claims.TenantSlug == "" {
		claims.TenantSlug = attrs["custom:tenant_slug"]
	}
	if claims.Role == "" {
		claims.Role = attrs["custom:role"]
	}
	if claims.Email == "" {
		claims.Email = attrs["email"]
	}
}

func (am *AuthMiddleware) cacheClaims(ctx context.Context, key string, claims *Claims) {
	if am.redis == nil {
		return
	}
	ttl := am.cacheTTL
	if claims.ExpiresAt > 0 {
		if left := time.Unix(claims.ExpiresAt, 0).Sub(am.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	if err := utils.CacheSetJSON(ctx, am.redis, key, claims, ttl); err != nil {
		am.log.WithError(err).Warn("Claims cache write failed")
	}
}

// VerifiedClaims returns the claims of the request's bearer token. Claims
// already verified by RequireAuth are reused; a missing or invalid token
// yields false.
func (am *AuthMiddleware) VerifiedClaims(r *http.Request) (*Claims, bool) {
	if claims, ok := r.Context().Value(claimsContextKey{}).(*Claims); ok {
		return claims, true
	}
	claims, err := am.Authenticate(r.Context(), extractToken(r))
	if err != nil {
		return nil, false
	}
	return claims, true
}

type claimsContextKey struct{}

// RequireAuth middleware validates bearer tokens
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := am.Authenticate(c.Request.Context(), extractToken(c.Request))
		if err != nil {
			if !errors.Is(err, ErrMissingToken) {
				am.log.WithError(err).WithField("path", c.Request.URL.Path).Info("Rejected bearer token")
			}
			utils.UnauthorizedResponse(c, authMessage(err))
			c.Abort()
			return
		}

		c.Set("user_id", claims.Subject)
		c.Set("username", claims.Username)
		c.Set("email", claims.Email)
		c.Set("tenant_id", claims.TenantID)
		c.Set("tenant_slug", claims.TenantSlug)
		c.Set("role", claims.Role)

		ctx := context.WithValue(c.Request.Context(), claimsContextKey{}, claims)
		ctx = tenancy.WithActor(ctx, claims.Subject)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRole middleware admits callers holding any of roles
func (am *AuthMiddleware) RequireRole(roles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists {
			utils.UnauthorizedResponse(c, "User role not found in context")
			c.Abort()
			return
		}

		for _, r := range roles {
			if role == string(r) {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"success":        false,
			"error":          "Insufficient permissions",
			"required_roles": roles,
			"user_role":      role,
		})
		c.Abort()
	}
}

// RequireSystemAdmin gates the admin routes that bypass tenant resolution
func (am *AuthMiddleware) RequireSystemAdmin() gin.HandlerFunc {
	return am.RequireRole(models.RoleSystemAdmin)
}

func authMessage(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return "Authorization token required"
	}
	return "Invalid token"
}

// extractToken extracts the JWT token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return authHeader
}

// claimsFromMap reads both the plain and the Cognito custom attribute
// spellings of each claim
func claimsFromMap(m jwt.MapClaims) *Claims {
	claims := &Claims{
		Subject:    getClaimString(m, "sub"),
		Email:      getClaimString(m, "email"),
		Username:   firstClaim(m, "cognito:username", "username"),
		TokenUse:   getClaimString(m, "token_use"),
		TenantID:   firstClaim(m, "tenantId", "custom:tenant_id", "tenant_id"),
		TenantSlug: firstClaim(m, "tenantSlug", "custom:tenant_slug", "tenant_slug"),
		Role:       firstClaim(m, "role", "custom:role"),
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Unix()
	}
	return claims
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v := getClaimString(claims, k); v != "" {
			return v
		}
	}
	return ""
}

// getClaimString safely extracts a string claim from JWT claims
func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetUserInfoFromContext extracts the caller's identity from the Gin context
func GetUserInfoFromContext(c *gin.Context) (*models.UserInfo, error) {
	userID := c.GetString("user_id")
	if userID == "" {
		return nil, fmt.Errorf("user_id not found in context")
	}

	return &models.UserInfo{
		UserID:     userID,
		Email:      c.GetString("email"),
		Role:       models.UserRole(c.GetString("role")),
		TenantID:   c.GetString("tenant_id"),
		TenantSlug: c.GetString("tenant_slug"),
	}, nil
}

// GetTenantIDFromContext returns the resolved tenant's id, falling back to
// the token's tenant claim on routes that skip resolution
func GetTenantIDFromContext(c *gin.Context) (uuid.UUID, error) {
	if tc, ok := tenancy.FromContext(c.Request.Context()); ok {
		return tc.TenantID, nil
	}

	tenantIDStr := c.GetString("tenant_id")
	if tenantIDStr == "" {
		return uuid.Nil, fmt.Errorf("tenant_id not found in context")
	}
	return uuid.Parse(tenantIDStr)
}

// NewAuthFromConfig picks the verifier from cfg: a JWKS endpoint or Cognito
// pool when configured, else the shared HS256 secret. rdb may be nil.
func NewAuthFromConfig(cfg *config.AppConfig, rdb *redis.Client, log *logrus.Entry) (*AuthMiddleware, error) {
	opts := []AuthOption{WithAuthLogger(log)}
	if rdb != nil {
		opts = append(opts, WithClaimsCache(rdb, cfg.ClaimsCacheTTL))
	}

	var verifier TokenVerifier
	switch {
	case cfg.JWKSURL != "":
		verifier = NewJWKSVerifier(utils.NewJWKSValidatorFromURL(cfg.JWKSURL))
	case cfg.CognitoUserPoolID != "":
		verifier = NewJWKSVerifier(utils.NewJWKSValidator(cfg.AWSRegion, cfg.CognitoUserPoolID))
	case cfg.JWTSecret != "":
		verifier = NewSecretVerifier(cfg.JWTSecret)
	default:
		return nil, errors.New("no token verifier configured: set JWKS_URL, COGNITO_USER_POOL_ID or JWT_SECRET")
	}

	if cfg.CognitoUserPoolID != "" {
		lookup, err := NewCognitoLookup(cfg.AWSRegion, cfg.CognitoUserPoolID, cfg.CognitoLookupLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cognito client: %w", err)
		}
		opts = append(opts, WithAttributeLookup(lookup))
	}
	return NewAuthMiddleware(verifier, opts...), nil
}

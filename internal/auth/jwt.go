package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/metrics"
)

// Token audiences. A frontend token is never accepted as a backend session
// and vice versa.
const (
	AudienceFrontend = "frontend"
	AudienceBackend  = "backend"
)

// ErrNoVerifier is returned when neither a secret nor a JWKS URL is configured.
var ErrNoVerifier = errors.New("no token verification method configured")

// Claims holds session token claims.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin,omitempty"`

	// Groups are frontend group IDs (frontend tokens).
	Groups []int `json:"groups,omitempty"`

	// Mounts are backend file mounts as "storageID:/folder/" (backend tokens).
	Mounts []string `json:"mounts,omitempty"`

	jwt.RegisteredClaims
}

// Verifier validates session tokens signed with a shared HMAC secret or with
// keys published at a JWKS endpoint.
type Verifier struct {
	secret []byte
	jwks   keyfunc.Keyfunc
}

// NewVerifier creates a verifier. At least one of secret and jwksURL must be set.
// The JWKS keys are cached and refreshed by keyfunc in the background.
func NewVerifier(ctx context.Context, secret, jwksURL string) (*Verifier, error) {
	if secret == "" && jwksURL == "" {
		return nil, ErrNoVerifier
	}
	var jwks keyfunc.Keyfunc
	if jwksURL != "" {
		var err error
		jwks, err = keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS client: %w", err)
		}
		logging.Info("JWKS verifier initialized", zap.String("jwks_url", jwksURL))
	}
	return NewVerifierWithKeyfunc(secret, jwks), nil
}

// NewVerifierWithKeyfunc creates a verifier from an existing JWKS keyfunc.
func NewVerifierWithKeyfunc(secret string, jwks keyfunc.Keyfunc) *Verifier {
	v := &Verifier{jwks: jwks}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

func (v *Verifier) validMethods() []string {
	var methods []string
	if v.secret != nil {
		methods = append(methods, "HS256", "HS384", "HS512")
	}
	if v.jwks != nil {
		// Asymmetric only; prevents algorithm confusion with the JWKS keys.
		methods = append(methods, "RS256", "ES256")
	}
	return methods
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if v.secret == nil {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}
	if v.jwks == nil {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.jwks.Keyfunc(token)
}

// Verify parses a token and checks signature, expiry and audience.
func (v *Verifier) Verify(tokenStr, audience string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc,
		jwt.WithValidMethods(v.validMethods()),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IssueToken signs claims with the HMAC secret. Used by tooling and tests;
// production tokens come from the CMS.
func (v *Verifier) IssueToken(claims *Claims, audience string, ttl time.Duration) (string, error) {
	if v.secret == nil {
		return "", ErrNoVerifier
	}
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   strconv.Itoa(claims.UserID),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// FolderLookup resolves backend file mounts.
type FolderLookup interface {
	GetFolder(ctx context.Context, storageID int, identifier string) (*catalog.Folder, error)
}

// JWTProvider builds auth contexts from session cookies. The backend session
// may also be presented as a Bearer token.
type JWTProvider struct {
	verifier       *Verifier
	folders        FolderLookup
	frontendCookie string
	backendCookie  string
}

// NewJWTProvider creates a provider reading the given cookies.
func NewJWTProvider(v *Verifier, folders FolderLookup, frontendCookie, backendCookie string) *JWTProvider {
	return &JWTProvider{
		verifier:       v,
		folders:        folders,
		frontendCookie: frontendCookie,
		backendCookie:  backendCookie,
	}
}

// Resolve implements Provider. Missing or invalid tokens yield an anonymous
// realm; only catalog failures while resolving mounts are returned as errors.
func (p *JWTProvider) Resolve(r *http.Request) (*Context, error) {
	ac := &Context{}

	if tok := cookieValue(r, p.frontendCookie); tok != "" {
		claims, err := p.verifier.Verify(tok, AudienceFrontend)
		metrics.RecordAuthAttempt(AudienceFrontend, err == nil)
		if err != nil {
			logging.WithContext(r.Context()).Debug("frontend token rejected", zap.Error(err))
		} else {
			ac.Frontend = &FrontendUser{
				ID:       claims.UserID,
				Username: claims.Username,
				GroupIDs: claims.Groups,
			}
		}
	}

	tok := cookieValue(r, p.backendCookie)
	if tok == "" {
		tok = bearerToken(r)
	}
	if tok != "" {
		claims, err := p.verifier.Verify(tok, AudienceBackend)
		metrics.RecordAuthAttempt(AudienceBackend, err == nil)
		if err != nil {
			logging.WithContext(r.Context()).Debug("backend token rejected", zap.Error(err))
			return ac, nil
		}
		session := &BackendSession{}
		if claims.UserID > 0 {
			mounts, err := p.resolveMounts(r.Context(), claims.Mounts)
			if err != nil {
				return nil, err
			}
			session.User = &BackendUser{
				ID:         claims.UserID,
				Username:   claims.Username,
				IsAdmin:    claims.IsAdmin,
				FileMounts: mounts,
			}
		}
		ac.Backend = session
	}

	return ac, nil
}

func (p *JWTProvider) resolveMounts(ctx context.Context, refs []string) ([]*catalog.Folder, error) {
	var mounts []*catalog.Folder
	for _, ref := range refs {
		storageID, identifier, ok := ParseMountRef(ref)
		if !ok {
			logging.WithContext(ctx).Warn("malformed file mount", zap.String("mount", ref))
			continue
		}
		folder, err := p.folders.GetFolder(ctx, storageID, identifier)
		if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, catalog.ErrInvalidIdentifier) {
			logging.WithContext(ctx).Warn("file mount not in catalog", zap.String("mount", ref))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mount %s: %w", ref, err)
		}
		mounts = append(mounts, folder)
	}
	return mounts, nil
}

// ParseMountRef splits "storageID:/folder/" into its parts.
func ParseMountRef(ref string) (int, string, bool) {
	idx := strings.IndexByte(ref, ':')
	if idx <= 0 {
		return 0, "", false
	}
	storageID, err := strconv.Atoi(ref[:idx])
	if err != nil || storageID < 0 {
		return 0, "", false
	}
	identifier := ref[idx+1:]
	if !strings.HasPrefix(identifier, "/") {
		return 0, "", false
	}
	return storageID, identifier, true
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

package authz

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OrgIDKey carries the authenticated org through the request context.
const OrgIDKey contextKey = "org_id"

// Validator checks operator API tokens. Tokens are RSA-signed JWTs carrying
// an org_id claim that scopes every operation.
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewValidator parses the PEM public key (PKCS1 or PKIX).
func NewValidator(publicKeyPEM, issuer, audience string) (*Validator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %v", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &Validator{publicKey: publicKey, issuer: issuer, audience: audience}, nil
}

// ValidateToken checks signature, issuer, audience and returns the org id.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %v", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	if iss, ok := claims["iss"].(string); !ok || iss != v.issuer {
		return "", fmt.Errorf("invalid issuer")
	}
	if aud, ok := claims["aud"].(string); !ok || aud != v.audience {
		return "", fmt.Errorf("invalid audience")
	}
	orgID, ok := claims["org_id"].(string)
	if !ok || orgID == "" {
		return "", fmt.Errorf("missing or invalid org_id claim")
	}
	return orgID, nil
}

// Middleware enforces a valid bearer token on every route it wraps and puts
// the org id on the gin context and the request context.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Trust the edge proxy when it already resolved the org.
		if orgID := c.GetHeader("x-org-id"); orgID != "" {
			setOrg(c, orgID)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false, "code": "MISSING_TOKEN", "error": "missing Authorization header",
			})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false, "code": "MALFORMED_TOKEN", "error": "Authorization header must be a bearer token",
			})
			return
		}

		orgID, err := v.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false, "code": "INVALID_TOKEN", "error": err.Error(),
			})
			return
		}
		setOrg(c, orgID)
		c.Next()
	}
}

func setOrg(c *gin.Context, orgID string) {
	c.Set(string(OrgIDKey), orgID)
	ctx := context.WithValue(c.Request.Context(), OrgIDKey, orgID)
	c.Request = c.Request.WithContext(ctx)
}

// OrgID pulls the authenticated org off a gin context.
func OrgID(c *gin.Context) (string, bool) {
	v, ok := c.Get(string(OrgIDKey))
	if !ok {
		return "", false
	}
	orgID, ok := v.(string)
	return orgID, ok && orgID != ""
}

// OrgIDFromContext pulls the authenticated org off a plain context.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	orgID, ok := ctx.Value(OrgIDKey).(string)
	return orgID, ok
}

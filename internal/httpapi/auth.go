package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	scopeRecordsRead  = "records:read"
	scopeRecordsWrite = "records:write"
	tokenAudience     = "labsync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: 401, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: 403, code: "forbidden", message: message}
}

// accessClaims is the payload of a labsync bearer token.
type accessClaims struct {
	Subject   string   `json:"sub"`
	Audience  string   `json:"aud"`
	Scopes    scopeSet `json:"scopes"`
	ExpiresAt int64    `json:"exp"`
}

// scopeSet decodes either a JSON array of scopes or one space-separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return errors.New("scopes must be a list or a space separated string")
		}
		list = strings.Fields(joined)
	}
	out := scopeSet{}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	*s = out
	return nil
}

func (c accessClaims) allows(scope string) bool {
	if scope == "" {
		return true
	}
	_, ok := c.Scopes[scope]
	return ok
}

func (c accessClaims) validate(now time.Time) *authError {
	switch {
	case strings.TrimSpace(c.Subject) == "":
		return unauthorized("missing sub claim")
	case c.ExpiresAt == 0:
		return unauthorized("invalid exp claim")
	case now.Unix() >= c.ExpiresAt:
		return unauthorized("token expired")
	case c.Audience != tokenAudience:
		return unauthorized("invalid aud claim")
	case len(c.Scopes) == 0:
		return forbidden("no scopes granted")
	}
	return nil
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (accessClaims, *authError) {
	claims, err := verifyBearer(authHeader, jwtSecret)
	if err != nil {
		return accessClaims{}, err
	}
	if err := claims.validate(now); err != nil {
		return accessClaims{}, err
	}
	if !claims.allows(requiredScope) {
		return accessClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifyBearer checks the HS256 signature and decodes the claims. It does not look at
// their values.
func verifyBearer(authHeader, jwtSecret string) (accessClaims, *authError) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return accessClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(token), ".")
	if len(segments) != 3 {
		return accessClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segments[0], &header); err != nil {
		return accessClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return accessClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return accessClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(signature, signHS256(jwtSecret, segments[0]+"."+segments[1])) {
		return accessClaims{}, unauthorized("jwt signature mismatch")
	}

	var claims accessClaims
	if err := decodeSegment(segments[1], &claims); err != nil {
		return accessClaims{}, unauthorized("invalid jwt payload")
	}
	return claims, nil
}

func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// IssueToken signs an HS256 bearer token the server accepts. Dev setups and the CLI use it
// to mint tokens from the shared secret.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := struct {
		Subject   string   `json:"sub"`
		Audience  string   `json:"aud"`
		Scopes    []string `json:"scopes"`
		ExpiresAt int64    `json:"exp"`
	}{subject, tokenAudience, scopes, now.Add(ttl).Unix()}
	return signToken(secret, claims)
}

func signToken(secret string, claims any) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signHS256(secret, signingInput)), nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

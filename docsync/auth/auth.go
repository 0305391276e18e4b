// Package auth maps signed tokens to document permissions.
//
// Tokens are HS256 jwts with claims:
//
//	doc_id           optional, restricts the token to one document
//	read_only        optional, true for read-only access
//	readonly_fields  optional, top-level fields the holder cannot change
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/docsync/docsync"
)

const (
	ClaimDocId          = "doc_id"
	ClaimReadOnly       = "read_only"
	ClaimReadOnlyFields = "readonly_fields"
)

// token query parameter, for clients that cannot set headers on the upgrade
const TokenQueryParam = "token"

var ErrMissingToken = errors.New("Missing token")

// Access is the parsed claims of a token.
type Access struct {
	DocId          string
	ReadOnly       bool
	ReadOnlyFields []string
}

type Authenticator[T any, SpecT any] struct {
	secret []byte
	parser *gojwt.Parser
}

func NewAuthenticator[T any, SpecT any](secret []byte) *Authenticator[T, SpecT] {
	return &Authenticator[T, SpecT]{
		secret: secret,
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
			gojwt.WithExpirationRequired(),
		),
	}
}

// Sign creates a token for `access` that expires after `ttl`.
func (self *Authenticator[T, SpecT]) Sign(access *Access, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"exp": gojwt.NewNumericDate(time.Now().Add(ttl)),
	}
	if access.DocId != "" {
		claims[ClaimDocId] = access.DocId
	}
	if access.ReadOnly {
		claims[ClaimReadOnly] = true
	}
	if 0 < len(access.ReadOnlyFields) {
		claims[ClaimReadOnlyFields] = access.ReadOnlyFields
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *Authenticator[T, SpecT]) Parse(tokenStr string) (*Access, error) {
	token, err := self.parser.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	access := &Access{}
	if docId, ok := claims[ClaimDocId].(string); ok {
		access.DocId = docId
	}
	if readOnly, ok := claims[ClaimReadOnly].(bool); ok {
		access.ReadOnly = readOnly
	}
	if fields, ok := claims[ClaimReadOnlyFields].([]any); ok {
		for _, field := range fields {
			if fieldStr, ok := field.(string); ok {
				access.ReadOnlyFields = append(access.ReadOnlyFields, fieldStr)
			}
		}
	}
	return access, nil
}

// AccessPermission maps access to the permission the broadcaster enforces.
func AccessPermission[T any, SpecT any](access *Access) docsync.Permission[T, SpecT] {
	if access.ReadOnly {
		return docsync.ReadOnly[T, SpecT]()
	}
	if 0 < len(access.ReadOnlyFields) {
		return docsync.NewReadWriteStruct[T, SpecT](access.ReadOnlyFields...)
	}
	return docsync.ReadWrite[T, SpecT]()
}

// RequestToken reads a bearer token from the Authorization header,
// or else from the `token` query parameter.
func RequestToken(r *http.Request) (string, error) {
	if authorization := r.Header.Get("Authorization"); authorization != "" {
		tokenStr, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(tokenStr), nil
	}
	if tokenStr := r.URL.Query().Get(TokenQueryParam); tokenStr != "" {
		return tokenStr, nil
	}
	return "", ErrMissingToken
}

// PermissionGetter authenticates the upgrade request for the document named by `idGetter`.
// Requests without a valid token are rejected with 401,
// and tokens for another document with 403.
func (self *Authenticator[T, SpecT]) PermissionGetter(idGetter docsync.IdGetter) docsync.PermissionGetter[T, SpecT] {
	return func(r *http.Request) (docsync.Permission[T, SpecT], error) {
		tokenStr, err := RequestToken(r)
		if err != nil {
			return nil, docsync.NewStatusError(http.StatusUnauthorized, "Unauthorized")
		}
		access, err := self.Parse(tokenStr)
		if err != nil {
			return nil, docsync.NewStatusError(http.StatusUnauthorized, "Unauthorized")
		}
		if access.DocId != "" {
			id, err := idGetter(r)
			if err != nil {
				return nil, err
			}
			if id != access.DocId {
				return nil, docsync.NewStatusError(http.StatusForbidden, "Forbidden")
			}
		}
		return AccessPermission[T, SpecT](access), nil
	}
}

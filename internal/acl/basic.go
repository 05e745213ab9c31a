package acl

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

const (
	BasicAuthPrefix = "Basic "

	// Anonymous is the principal of requests without credentials.
	Anonymous = "anonymous"
)

// Authenticator resolves the principal behind a request. ok is false when
// the request carries credentials that are not valid.
type Authenticator interface {
	Authenticate(r *http.Request) (principal string, ok bool)
}

// User is a name and password accepted by BasicAuthenticator.
type User struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type BasicAuthenticator struct {
	users map[string]string
}

func NewBasicAuthenticator(users []User) *BasicAuthenticator {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[u.Name] = u.Password
	}
	return &BasicAuthenticator{users: m}
}

// Authenticate checks the Authorization header for valid Basic Auth
// credentials. Requests without the header are anonymous.
func (e *BasicAuthenticator) Authenticate(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return Anonymous, true
	}
	if !strings.HasPrefix(auth, BasicAuthPrefix) {
		return "", false
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(BasicAuthPrefix):]))
	if err != nil {
		return "", false
	}

	creds := strings.SplitN(string(payload), ":", 2)
	if len(creds) != 2 {
		return "", false
	}

	password, known := e.users[creds[0]]
	if !known || subtle.ConstantTimeCompare([]byte(password), []byte(creds[1])) != 1 {
		return "", false
	}
	return creds[0], true
}

// AnonymousOnly treats every request as anonymous.
type AnonymousOnly struct{}

func (AnonymousOnly) Authenticate(*http.Request) (string, bool) {
	return Anonymous, true
}

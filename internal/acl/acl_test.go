package acl_test

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"jupiter/internal/acl"

	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	authz := acl.NewStatic(acl.Rules{
		"games": {
			"builder":  {acl.ActionRead, acl.ActionWrite},
			"operator": {acl.ActionAdmin},
		},
		acl.Wildcard: {
			acl.Wildcard: {acl.ActionRead},
		},
	})

	tests := []struct {
		namespace string
		action    acl.Action
		principal string
		allowed   bool
	}{
		{"games", acl.ActionWrite, "builder", true},
		{"games", acl.ActionDelete, "builder", false},
		{"games", acl.ActionDelete, "operator", true},
		{"games", acl.ActionRead, acl.Anonymous, true},
		{"other", acl.ActionRead, "someone", true},
		{"other", acl.ActionWrite, "builder", false},
	}

	for _, tt := range tests {
		require.Equalf(t, tt.allowed, authz.Authorize(ctx, tt.namespace, tt.action, tt.principal),
			"%s %s in %s", tt.principal, tt.action, tt.namespace)
	}

	require.True(t, acl.AllowAll{}.Authorize(ctx, "any", acl.ActionAdmin, "anyone"))
	require.False(t, acl.NewStatic(nil).Authorize(ctx, "any", acl.ActionRead, "anyone"))
}

func TestBasicAuthenticator(t *testing.T) {
	t.Parallel()

	authn := acl.NewBasicAuthenticator([]acl.User{{Name: "builder", Password: "s3cret"}})

	basic := func(creds string) string {
		return acl.BasicAuthPrefix + base64.StdEncoding.EncodeToString([]byte(creds))
	}

	tests := []struct {
		name      string
		header    string
		principal string
		ok        bool
	}{
		{"no header", "", acl.Anonymous, true},
		{"valid", basic("builder:s3cret"), "builder", true},
		{"wrong password", basic("builder:nope"), "", false},
		{"unknown user", basic("ghost:s3cret"), "", false},
		{"missing colon", basic("builder"), "", false},
		{"bad base64", acl.BasicAuthPrefix + "!!!", "", false},
		{"other scheme", "Bearer token", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			principal, ok := authn.Authenticate(r)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.principal, principal)
		})
	}
}

package contracts

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMappings(t *testing.T) {
	cases := []struct {
		kind     Kind
		status   int
		category string
	}{
		{KindUnauthorized, http.StatusUnauthorized, "auth.denied"},
		{KindForbiddenHost, http.StatusForbidden, "net.blocked"},
		{KindForbiddenPath, http.StatusForbidden, "policy.denied"},
		{KindRateLimited, http.StatusTooManyRequests, "rate.limited"},
		{KindTooLarge, http.StatusRequestEntityTooLarge, "io.limit"},
		{KindBadRequest, http.StatusBadRequest, "input.invalid"},
		{KindUpstreamError, http.StatusBadGateway, "upstream.fail"},
		{KindUpstreamTimeout, http.StatusGatewayTimeout, "upstream.timeout"},
		{KindVaultUnavailable, http.StatusServiceUnavailable, "vault.fail"},
		{KindInternal, http.StatusInternalServerError, "broker.bug"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.kind.HTTPStatus(), "kind %s", tc.kind)
		assert.Equal(t, tc.category, tc.kind.AuditCategory(), "kind %s", tc.kind)
	}
}

func TestErrorWrapping(t *testing.T) {
	err := NewError(KindForbiddenPath, "path not allowed")
	assert.Equal(t, "path not allowed", err.Error())
	assert.Equal(t, "forbidden_path", NewError(KindForbiddenPath, "").Error())

	var target *Error
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, KindForbiddenPath, target.Kind)
}

package incidents

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"sentinelops/internal/errs"
)

func TestErrorKinds(t *testing.T) {
	err := errs.Wrap(notFound("abc"), "view")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "incident abc not found", Message(err))

	assert.Equal(t, KindUpstreamUnavailable, KindOf(errors.New("boom")))
	assert.Equal(t, "internal error", Message(errors.New("dial tcp: refused")))
}

func TestUpstreamKeepsTypedErrors(t *testing.T) {
	typed := validationf("bad")
	assert.Same(t, typed, upstream(typed, "ctx"))

	wrapped := upstream(errors.New("connection reset"), "list incidents")
	assert.True(t, errors.Is(wrapped, ErrUpstreamUnavailable))
	assert.Equal(t, "list incidents", Message(wrapped))
	assert.Nil(t, upstream(nil, "noop"))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(validationf("x")))
	assert.Equal(t, http.StatusNotFound, StatusCode(notFound("x")))
	assert.Equal(t, http.StatusForbidden, StatusCode(forbidden("x")))
	assert.Equal(t, http.StatusConflict, StatusCode(&Error{Kind: KindConflict}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(errors.New("db down")))
}

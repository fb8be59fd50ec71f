package graph

import (
	"emperror.dev/errors"

	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

// 稳定的错误码，客户端据此区分错误
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidState     = "INVALID_STATE"
	CodeTopicClosed      = "TOPIC_CLOSED"
	CodeDeadlinePassed   = "DEADLINE_PASSED"
	CodeInvalidChoice    = "INVALID_CHOICE"
	CodeAlreadyVoted     = "ALREADY_VOTED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
)

var codes = []struct {
	target error
	code   string
}{
	{model.ErrValidation, CodeValidation},
	{model.ErrNotFound, CodeNotFound},
	{model.ErrForbidden, CodeForbidden},
	{model.ErrInvalidState, CodeInvalidState},
	{model.ErrTopicClosed, CodeTopicClosed},
	{model.ErrDeadlinePassed, CodeDeadlinePassed},
	{model.ErrInvalidChoice, CodeInvalidChoice},
	{model.ErrAlreadyVoted, CodeAlreadyVoted},
	{model.ErrStoreUnavailable, CodeStoreUnavailable},
	{auth.ErrUnauthenticated, CodeUnauthenticated},
	{ErrRateLimited, CodeRateLimited},
}

// Code 把业务错误映射为错误码
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return CodeInternal
}

// resolverError 带 extensions.code 的 GraphQL 错误
type resolverError struct {
	err  error
	code string
}

func newResolverError(err error) *resolverError {
	return &resolverError{err: err, code: Code(err)}
}

func (e *resolverError) Error() string {
	if e.code == CodeInternal {
		return "内部错误"
	}
	return e.err.Error()
}

func (e *resolverError) Unwrap() error {
	return e.err
}

func (e *resolverError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.code}
}

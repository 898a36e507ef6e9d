package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	err := New(Internal, "boom")
	assert.Equal(t, Internal, GetCode(err))
	assert.Equal(t, "Internal: boom", err.Error())
	assert.Equal(t, Code(""), GetCode(nil))
	assert.Equal(t, Unknown, GetCode(fmt.Errorf("plain error")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		NotFound:    404,
		Conflict:    409,
		BadRequest:  400,
		SyncBlocked: 409,
		Timeout:     504,
		Internal:    500,
		Unknown:     500,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(NotFound, "sandbox %s not found", "sbx-1")
	assert.Equal(t, "sandbox sbx-1 not found", err.Message)
}

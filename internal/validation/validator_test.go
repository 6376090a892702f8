package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"oneof=admin|viewer"`
	Limit    int    `json:"limit" validate:"min=0,max=1000"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	ok := loginRequest{Username: "op", Password: "correct-horse", Role: "admin", Limit: 10}
	require.NoError(t, v.Validate(ok))
	require.NoError(t, v.Validate(&ok))

	missing := ok
	missing.Username = ""
	err := v.Validate(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")

	short := ok
	short.Password = "short"
	assert.Error(t, v.Validate(short))

	badRole := ok
	badRole.Role = "root"
	assert.Error(t, v.Validate(badRole))

	noRole := ok
	noRole.Role = ""
	assert.NoError(t, v.Validate(noRole), "oneof only applies to set values")

	tooMany := ok
	tooMany.Limit = 5000
	assert.Error(t, v.Validate(tooMany))
}

func TestValidateRejectsNonStruct(t *testing.T) {
	assert.Error(t, NewValidator().Validate("nope"))
}

package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type site struct {
	Code string  `validate:"required,continent"`
	ID   string  `validate:"component_id"`
	Lat  float64 `validate:"gte=-90,lte=90"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(site{Code: "EU", ID: "EU-Agr01", Lat: 38.7}))
	assert.NoError(t, StructValidator{}.Validate(site{Code: "AQ", ID: "AQ-S"}))

	err := Struct(site{Code: "XX", ID: "EU-Router1", Lat: 91})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	tags := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		tags = append(tags, f.Tag)
	}
	assert.ElementsMatch(t, []string{"continent", "component_id", "lte"}, tags)
	assert.Contains(t, err.Error(), "site.Lat failed lte=90")
}

func TestVar(t *testing.T) {
	assert.NoError(t, Var("NA-Wavy07", "component_id"))
	assert.Error(t, Var("NA_Wavy07x", "component_id"))
	assert.NoError(t, Var("OC", "continent"))
	assert.Error(t, Var("oc", "continent"))
}

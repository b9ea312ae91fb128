package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	assert.Equal(t, "А123ВС77", NormalizePlate("а123вс77"))
	assert.Equal(t, "А123ВС77", NormalizePlate("  А123ВС77 "))
	assert.Equal(t, "AB1234CD", NormalizePlate("ab1234cd"))
}

func TestVehicleAddresses(t *testing.T) {
	v := Vehicle{Email: "a@example.com", Email2: "b@example.com"}
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, v.Addresses())

	v = Vehicle{Email: "a@example.com", Email2: "  "}
	assert.Equal(t, []string{"a@example.com"}, v.Addresses())

	assert.Empty(t, Vehicle{}.Addresses())
}

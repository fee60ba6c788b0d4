package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnergyGovernor_Consume(t *testing.T) {
	gov := EnergyGovernor{Energy: 5, Max: 100}

	assert.True(t, gov.CanConsume(5))
	assert.False(t, gov.CanConsume(6))

	energy, err := gov.Consume(1)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), energy)

	energy, err = EnergyGovernor{Energy: 0, Max: 100}.Consume(1)
	assert.ErrorIs(t, err, ErrEnergyExhausted)
	assert.Equal(t, int64(0), energy)

	_, err = gov.Consume(-1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnergyGovernor_Regenerate(t *testing.T) {
	cases := []struct {
		name    string
		gov     EnergyGovernor
		elapsed float64
		rate    float64
		want    int64
	}{
		{"whole seconds", EnergyGovernor{Energy: 10, Max: 100}, 5, 2, 20},
		{"partial units floor", EnergyGovernor{Energy: 10, Max: 100}, 2.5, 1, 12},
		{"caps at max", EnergyGovernor{Energy: 90, Max: 100}, 3600, 1, 100},
		{"negative elapsed", EnergyGovernor{Energy: 10, Max: 100}, -30, 1, 10},
		{"nan elapsed", EnergyGovernor{Energy: 10, Max: 100}, math.NaN(), 1, 10},
		{"zero rate", EnergyGovernor{Energy: 10, Max: 100}, 60, 0, 10},
		{"already full", EnergyGovernor{Energy: 100, Max: 100}, 60, 1, 100},
		{"over cap is clamped", EnergyGovernor{Energy: 120, Max: 100}, 0, 1, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.gov.Regenerate(tc.elapsed, tc.rate))
		})
	}
}

func TestClampEnergy(t *testing.T) {
	assert.Equal(t, int64(0), clampEnergy(-5, 10))
	assert.Equal(t, int64(10), clampEnergy(15, 10))
	assert.Equal(t, int64(7), clampEnergy(7, 10))
}

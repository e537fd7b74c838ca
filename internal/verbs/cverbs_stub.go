//go:build !linux || !cgo

package verbs

import "fmt"

// Native returns the libibverbs-backed provider. On platforms without cgo
// and libibverbs it reports no devices.
func Native() Provider {
	return stubProvider{}
}

type stubProvider struct{}

func (stubProvider) Devices() ([]Device, error) {
	return nil, fmt.Errorf("verbs provider requires linux and cgo")
}

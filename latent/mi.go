package latent

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// MutualInformation estimates I(x; z) for the posterior d using the batch as
// an empirical mixture for the aggregate posterior q(z). One code is drawn
// per example; log q(z_i) is the log-sum-exp over every example's density at
// z_i minus log(batch).
func MutualInformation(rng *rand.Rand, d Distribution) (float64, error) {
	batch, nz := d.Dims()
	if batch == 0 {
		return 0, fmt.Errorf("latent: empty batch: %w", ErrShapeMismatch)
	}

	var negEntropy float64
	for i := range batch {
		_, logvar := d.Row(i)
		negEntropy += -0.5*float64(nz)*log2Pi - 0.5*(float64(nz)+floats.Sum(logvar))
	}
	negEntropy /= float64(batch)

	z, err := Reparameterize(rng, d, 1)
	if err != nil {
		return 0, err
	}

	logBatch := math.Log(float64(batch))
	density := make([]float64, batch)

	var logQZ float64
	for i := range batch {
		zi := z[0].RawRowView(i)
		for j := range batch {
			mean, logvar := d.Row(j)
			density[j] = LogDensity(zi, mean, logvar)
		}
		logQZ += floats.LogSumExp(density) - logBatch
	}
	logQZ /= float64(batch)

	return negEntropy - logQZ, nil
}

package cmaes

import "math"

// strategy holds the constants derived from N, λ and μ.
type strategy struct {
	n, lambda   int
	parents     int
	weights     []float64
	mueff       float64
	cs, ds      float64
	cc, c1, cmu float64
	chiN        float64
	hsigFactor  float64
	eigenEvery  int
}

func newStrategy(n, lambda, mu int, dampening, alpha float64) strategy {
	s := strategy{n: n, lambda: lambda, parents: mu, weights: make([]float64, mu)}
	sum := 0.0
	for i := range s.weights {
		s.weights[i] = math.Log(float64(mu)+0.5) - math.Log(float64(i+1))
		sum += s.weights[i]
	}
	sq := 0.0
	for i := range s.weights {
		s.weights[i] /= sum
		sq += s.weights[i] * s.weights[i]
	}
	s.mueff = 1 / sq

	N := float64(n)
	s.cs = (s.mueff + 2) / (N + s.mueff + 5)
	s.ds = 1 + 2*math.Max(0, math.Sqrt((s.mueff-1)/(N+1))-1) + s.cs
	if dampening > 0 {
		s.ds *= dampening
	}
	s.cc = (4 + s.mueff/N) / (N + 4 + 2*s.mueff/N)
	s.c1 = 2 / ((N+1.3)*(N+1.3) + s.mueff)
	s.cmu = math.Min(1-s.c1, 2*(s.mueff-2+1/s.mueff)/((N+2)*(N+2)+s.mueff))
	s.chiN = math.Sqrt(N) * (1 - 1/(4*N) + 1/(21*N*N))
	if alpha <= 0 {
		alpha = 1.4
	}
	s.hsigFactor = alpha + 2/(N+1)
	s.eigenEvery = int(math.Max(1, math.Ceil(1/(10*N*(s.c1+s.cmu)))))
	return s
}

package optimizer

import "math"

// rung is one successive-halving stage: n configurations at a budget.
type rung struct {
	n      int
	budget float64
}

// bracket is a successive-halving run from its smallest budget to the max.
type bracket []rung

// hyperbandBrackets lays out the brackets for budgets in [minBudget,
// maxBudget], most aggressive first. With min 1, max 9 and eta 3:
//
//	s=2: 9@1 3@3 1@9
//	s=1: 5@3 1@9
//	s=0: 3@9
func hyperbandBrackets(minBudget, maxBudget float64, eta int) []bracket {
	sMax := maxStage(minBudget, maxBudget, eta)
	e := float64(eta)
	out := make([]bracket, 0, sMax+1)
	for s := sMax; s >= 0; s-- {
		n := int(math.Ceil(float64(sMax+1) / float64(s+1) * math.Pow(e, float64(s))))
		b := make(bracket, 0, s+1)
		for i := 0; i <= s; i++ {
			b = append(b, rung{
				n:      max(int(float64(n)/math.Pow(e, float64(i))), 1),
				budget: maxBudget / math.Pow(e, float64(s-i)),
			})
		}
		out = append(out, b)
	}
	return out
}

// maxStage is floor(log_eta(max/min)).
func maxStage(minBudget, maxBudget float64, eta int) int {
	if maxBudget <= minBudget {
		return 0
	}
	return int(math.Floor(math.Log(maxBudget/minBudget)/math.Log(float64(eta)) + 1e-9))
}

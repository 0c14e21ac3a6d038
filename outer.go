package mamlgo

// MetaResult carries everything a meta step reports upward.
type MetaResult struct {
	MetaLoss        float32
	SupportLoss     float32
	SupportAccuracy float32
	QueryAccuracy   float32
	InnerLosses     []float32
	InnerGradNorms  []float32
}

// MetaBackward evaluates the adapted head on the query set and runs the
// reverse sweep through the inner trajectory.
//
// The query loss is a function of Θ^S, which is itself a chain of SGD maps
// Θ^{t+1} = Θ^t - lr·G(Θ^t, X_s). Reverse accumulation walks that chain with
// one Hessian-vector product per inner step:
//
//	u_S = ∇_{Θ^S} L_query
//	u_t = u_{t+1} - lr·H_ΘΘ(Θ^t)·u_{t+1}
//	dX_s -= lr·H_XΘ(Θ^t)·u_{t+1}   (accumulated over all steps)
//
// u_0 is the exact gradient with respect to the head initialization, and
// dSupportX/dQueryX are the gradients that flow back into the backbone
// through the masked-position representations.
func MetaBackward(traj *InnerTrajectory, queryX []float32, queryLabels []int, nQuery int) (dHead0 *HeadParams, dSupportX, dQueryX []float32, res MetaResult) {
	final := traj.Final

	queryActs := final.Forward(queryX, nQuery)
	res.MetaLoss = queryActs.Loss(queryLabels)
	res.QueryAccuracy = queryActs.Accuracy(queryLabels)
	res.InnerLosses = traj.InnerLosses()
	res.InnerGradNorms = traj.GradNorms()

	supportActs := final.Forward(traj.SupportX, traj.NumSupport)
	res.SupportLoss = supportActs.Loss(traj.SupportLabels)
	res.SupportAccuracy = supportActs.Accuracy(traj.SupportLabels)

	u := final.ZeroLike()
	dQueryX = make([]float32, len(queryX))
	final.Backward(queryActs, queryLabels, u, dQueryX)

	dSupportX = make([]float32, len(traj.SupportX))
	for t := len(traj.Steps) - 1; t >= 0; t-- {
		step := traj.Steps[t]
		hTheta := step.Params.ZeroLike()
		hX := make([]float32, len(traj.SupportX))
		step.Params.HVP(traj.SupportX, traj.SupportLabels, traj.NumSupport, u, hTheta, hX)
		for i := range dSupportX {
			dSupportX[i] -= traj.InnerLR * hX[i]
		}
		u = u.AddScaled(hTheta, -traj.InnerLR)
	}
	return u, dSupportX, dQueryX, res
}

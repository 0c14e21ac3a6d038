package mamlgo

import "fmt"

// InnerStep is one recorded state of the adaptation trajectory: the
// parameters entering step t, the support loss measured at them, and the
// gradient that produced Θ^{t+1}.
type InnerStep struct {
	Params   *HeadParams
	Loss     float32
	Grad     *HeadParams
	GradNorm float32
}

// InnerTrajectory is the full record of one episode's adaptation. The outer
// loop differentiates through it and it is discarded afterwards; it is never
// checkpointed.
type InnerTrajectory struct {
	Steps []InnerStep  // one per inner update, possibly empty
	Final *HeadParams  // Θ after the last update; == the initial head when inner_steps == 0

	// the support set the trajectory was produced on, kept so the outer
	// pass can re-linearize each step
	SupportX      []float32
	SupportLabels []int
	NumSupport    int
	InnerLR       float32
}

// AdaptHead runs inner_steps plain SGD updates of the head on the support
// set. The backbone representations in supportX are treated as constants
// here; each update produces a fresh parameter snapshot so the trajectory
// stays differentiable end to end. A non-finite support loss aborts with
// ErrDivergedAdaptation, which callers treat as a skipped episode.
func AdaptHead(head0 *HeadParams, supportX []float32, labels []int, n int, innerLR float32, innerSteps int) (*InnerTrajectory, error) {
	traj := &InnerTrajectory{
		Steps:         make([]InnerStep, 0, innerSteps),
		Final:         head0,
		SupportX:      supportX,
		SupportLabels: labels,
		NumSupport:    n,
		InnerLR:       innerLR,
	}
	cur := head0
	for t := 0; t < innerSteps; t++ {
		acts := cur.Forward(supportX, n)
		loss := acts.Loss(labels)
		if !isFinite(loss) {
			return nil, fmt.Errorf("%w: support loss %v at inner step %d", ErrDivergedAdaptation, loss, t)
		}
		grad := cur.ZeroLike()
		cur.Backward(acts, labels, grad, nil)
		traj.Steps = append(traj.Steps, InnerStep{
			Params:   cur,
			Loss:     loss,
			Grad:     grad,
			GradNorm: grad.Norm(),
		})
		cur = cur.AddScaled(grad, -innerLR)
	}
	traj.Final = cur
	return traj, nil
}

// InnerLosses returns the per-step support losses, used for metrics.
func (tr *InnerTrajectory) InnerLosses() []float32 {
	out := make([]float32, len(tr.Steps))
	for i, s := range tr.Steps {
		out[i] = s.Loss
	}
	return out
}

// GradNorms returns the per-step inner gradient norms.
func (tr *InnerTrajectory) GradNorms() []float32 {
	out := make([]float32, len(tr.Steps))
	for i, s := range tr.Steps {
		out[i] = s.GradNorm
	}
	return out
}

// Package modectrl decides which coding modes an encoder evaluates for each
// node of a recursive coding-tree partition.
//
// For every node the controller queues candidate modes (merge/skip, motion
// search, affine, intra, raw samples and quad, binary or ternary splits),
// prunes candidates whose outcome is predictable from costs already seen
// and from per-block caches, and reports the best result to the parent.
// Cost evaluation itself belongs to the caller.
//
// A node is searched with the following protocol:
//
//	c, err := modectrl.New(modectrl.OptionsForPreset(modectrl.PresetFast))
//	c.InitSliceLevel(slice)
//	c.InitCTU()
//	c.EnterNode(p, cs)
//	for m := c.NextCandidate(); m.IsValid(); m = c.NextCandidate() {
//		if !c.AdmitTrial(m, cs, p) {
//			continue
//		}
//		c.ReportOutcome(m, evaluate(m), p)
//	}
//	dec := c.LeaveNode(p)
//
// Splits recurse into EnterNode for each child before their combined result
// is reported. Sibling splits may be searched in parallel with Fork and
// MergeState.
package modectrl

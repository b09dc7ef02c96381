package cu

// Partitioner exposes the coding-tree geometry of the node being searched
// and access to already-decided neighbouring units.
type Partitioner interface {
	CurrArea() Area
	CurrDepth() int
	CurrQtDepth() int
	CurrBtDepth() int
	CurrMtDepth() int
	ChType() ChannelType

	// CanSplit reports whether split is legal for the current node.
	CanSplit(split PartSplit, cs *CodingStructure) bool
	// ImplicitSplit returns the split forced by the picture boundary, or
	// DontSplit.
	ImplicitSplit(cs *CodingStructure) PartSplit
	// CUAt returns the decided coding unit covering pos, or nil when pos
	// is outside the picture or not yet coded.
	CUAt(pos Position) *CodingUnit
}

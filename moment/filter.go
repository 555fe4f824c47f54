package moment

// Filter selects which moments Names returns.
type Filter uint

const (
	// ListRoots limits a whole-set listing to moments without a parent.
	ListRoots Filter = 1 << iota
	// ListDescendants widens a listing below a moment to its whole subtree.
	ListDescendants
	// ListLeaves keeps only moments without children.
	ListLeaves
	// ListNoLeaves keeps only moments with children.
	ListNoLeaves
)

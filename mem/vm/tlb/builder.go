package tlb

// A Builder can build TLBs.
type Builder struct {
	numSets      int
	numWays      int
	log2PageSize uint64
}

// MakeBuilder returns a Builder with default configuration.
func MakeBuilder() Builder {
	return Builder{
		numSets:      1,
		numWays:      64,
		log2PageSize: 13,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associative
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in each set.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithLog2PageSize sets the page size as a power of 2.
func (b Builder) WithLog2PageSize(n uint64) Builder {
	b.log2PageSize = n
	return b
}

// Build creates a TLB with the given name.
func (b Builder) Build(name string) *Comp {
	if b.numSets <= 0 || b.numWays <= 0 {
		panic("TLB must have at least one set and one way")
	}

	c := &Comp{
		name:         name,
		numSets:      b.numSets,
		numWays:      b.numWays,
		log2PageSize: b.log2PageSize,
	}
	c.reset()

	return c
}

// Package state describes the fixed-function configuration that selects a
// pipeline object: the per-draw RenderState and the cross-draw GlobalState.
//
// Both reduce to small packed integers. RenderState.Key produces the draw
// key used inside a program's sub-cache; GlobalState.Key produces the
// global key that selects a whole partition of the pipeline cache.
//
// Draw key layout (low to high bits):
//
//	blend mode id        8 bits
//	render-state flags   8 bits
//	depth compare        4 bits
//	depth bias preset    4 bits
//	custom discriminant  8 bits
//
// Global key layout (low to high bits):
//
//	log2(sample count)   3 bits
//	color write mask     4 bits
//	stencil mode         3 bits
//	depth/stencil kind   2 bits
//	HDR tier             2 bits
package state

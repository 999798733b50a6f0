// Package graph turns workflow definitions into validated execution graphs.
//
// Build checks every step reference, rejects cycles using a three-colour
// depth-first traversal, and computes a stable topological order in which
// ties are broken by the order steps appear in the definition.
package graph

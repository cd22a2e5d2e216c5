// Package vm implements a managed runtime for lazy heap programs.
//
// This package contains:
//   - NaN-boxed value representation and an index-addressed heap arena
//   - Thunks with blackholing and exactly-once evaluation
//   - Cooperative threads, the scheduler and asynchronous exceptions
//   - MVars and nested software transactional memory
//   - Weak references, finalizers, CAFs and a tracing collector
//   - Host integration through completion tokens
package vm

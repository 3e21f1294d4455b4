// Package vm implements the object model of a managed runtime: the
// header word every heap object starts with, narrow type references, and
// the type lookup cache keyed by them.
//
// This package contains:
//   - Header word decoding for lock, forwarding, age and hash state
//   - Classic and compact header layouts
//   - Narrow reference encoding over a bounded class space
//   - The type lookup cache and its statistics
//   - A simulated heap with locking, monitors, identity hashing and
//     relocation
package vm

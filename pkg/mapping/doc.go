// Package mapping validates host-component maps.
//
// Check runs the ordered checks of a proposed map (references, duplicates,
// cardinality, bound_to, requires) and returns every violation in one
// adcmerr.List without touching the store. Violations exposes the last three
// for the HOSTCOMPONENT concern, and Diff, CheckMaintenance and CheckACL serve
// the action launcher when an action carries hc_acl rules.
package mapping

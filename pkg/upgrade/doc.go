/*
Package upgrade moves clusters and providers to the prototypes of a newer
bundle.

An upgrade is checked before anything changes: accepted licenses on both
bundles, no concerns on the object, an allowed state and edition, a current
version inside the upgrade range and, for clusters, import binds that stay
valid in both directions.

Upgrades without scripts switch in the request transaction. Upgrades with
scripts launch a task whose bundle_switch step calls Switch from the runner;
a later bundle_revert step calls Revert to go back to the prototypes and
state recorded in before_upgrade.
*/
package upgrade

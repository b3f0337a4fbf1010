/*
Package bundle loads bundle directories into the prototype catalog.

A bundle is a directory with a config.yaml at its root plus the playbooks
and scripts its actions reference. config.yaml holds a list of definitions:

	- type: cluster
	  name: app
	  version: 1.0
	  upgrade:
	    - name: to 1.1
	      versions: {min: 1.0, max_strict: 1.1}
	      states: {available: any, on_success: upgraded}

	- type: service
	  name: db
	  version: 1.0
	  components:
	    server:
	      constraint: [1,+]

Loading happens in three steps:

  - Read parses and validates the definitions (struct tags through
    go-playground/validator, then cross references) and hashes the files.
  - Copy places the files under <bundle_root>/<hash>.
  - Install writes Bundle, Prototypes, Actions and Upgrades in the caller's
    transaction.

Every validation problem is reported with the BUNDLE_ERROR code; loading
the same content twice fails with BUNDLE_CONFLICT.
*/
package bundle

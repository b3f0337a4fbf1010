/*
Package config implements the config schema engine of prototypes and actions.

A schema is the flattened list of types.ConfigField a bundle declares. Groups
appear as a field of type "group" followed by member fields carrying SubName:

	config:                         schema keys
	  - name: port                    port
	    type: integer
	  - name: tls                     tls        (group, activatable)
	    type: group                   tls/cert
	    activatable: true             tls/key    (secrettext)
	    subs:
	      - name: cert
	      - name: key
	        type: secrettext

Stored configs are nested maps ({"port": 8080, "tls": {"cert": "..."}}), and
attr carries the activation flags of activatable groups ({"tls": {"active":
true}}) and, for host groups, the overridden keys under "group_keys".

Prepare is the write path: it rejects unknown keys and changed read-only
keys (INVALID_CONFIG_UPDATE), coerces values and checks limits
(CONFIG_VALUE_ERROR), fills omitted keys from the previous version or the
defaults and encrypts secrets. Required keys may be saved empty; Check reports
them so the concern engine can raise a CONFIG issue instead of refusing the
update.
*/
package config

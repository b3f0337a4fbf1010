/*
Package security encrypts secret config values at rest.

Config fields of type password and secrettext (and secretmap/secretfile
values) are never stored in clear text. Before a ConfigLog is written the
config engine passes each such value through SecretsManager.EncryptValue, which
seals it with AES-256-GCM and stores it as

	$ADCMSEC$<base64(nonce || ciphertext || tag)>

The runner calls DecryptValue when it materializes inventory and config.json
for a job, so plaintext only ever exists in memory and in the per-job run
directory handed to the playbook.

# Key management

The key is 32 bytes. Operators supply a passphrase (secret_key in the daemon
configuration) and DeriveKey hashes it with SHA-256:

	key := security.DeriveKey(cfg.SecretKey)
	sm, err := security.NewSecretsManager(key)

Changing the passphrase makes previously stored secrets unreadable; DecryptValue
then fails with an authentication error rather than returning garbage.

# Properties

  - Each encryption uses a fresh random 12-byte nonce, so encrypting the same
    value twice yields different stored strings.
  - EncryptValue is idempotent on already encrypted input, which lets a config
    update carry forward untouched secrets from the previous version.
  - Values without the prefix are treated as plaintext by DecryptValue.
*/
package security

/*
Package security handles the DH-HMAC-CHAP secrets of nvmetd.

SecretsManager encrypts host keys before they are written to the
configuration database (AES-256-GCM, nonce prepended). The dhchap helpers
generate and validate secrets in the DHHC-1 representation understood by the
Linux target and by SPDK:

	DHHC-1:<hmac>:<base64(key || crc32(key))>:

where <hmac> is 00 (no transformation), 01 (SHA-256), 02 (SHA-384) or 03
(SHA-512) and the key is 32, 48 or 64 bytes long.
*/
package security

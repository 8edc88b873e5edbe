// Package volume manages the storage behind NVMe namespaces: sparse backing
// files for FILE namespaces and block device paths for ZVOL namespaces.
package volume

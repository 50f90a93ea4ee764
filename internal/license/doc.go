// Package license implements the client-resident license and entitlement
// engine. It decides which tier an installation runs at, which features
// that tier unlocks and how many projects it may create.
//
// # Architecture Overview
//
// The engine consists of several components:
//
//   - Record: the single persisted license record
//   - Guard: HMAC-SHA256 integrity digest over the record's fields
//   - Store: loads, verifies and saves the record under "ssp_license"
//   - Resolve: pure entitlement decision from record, time and device
//   - Features: tier to capability set mapping
//   - Ledger: lifetime project quota reconciled against the registry
//   - Activator: key verification and device binding workflow
//   - Manager: application context tying the above together
//
// # Entitlement Resolution
//
// Resolve applies these rules in order; the first match wins:
//
//  1. No record: Trial, invalid, "absent"
//  2. Developer record with an open developer session: Developer, valid
//  3. Expiry in the past: Trial, invalid, "expired"
//  4. Bound to another device: Trial, invalid, "device_mismatch"
//  5. Otherwise the record's tier, valid
//
// # Tamper Evidence
//
// A stored record whose digest does not verify is deleted on load and
// treated as absent. The guard detects edits; it does not hide the record.
//
// # Activation
//
// Activation is throttled, checks the key and build, calls the configured
// remote verifier and binds the resulting record to the current device.
// Re-activating the same key on another device is a rebind; at most
// RebindLimit rebinds are allowed per key. The project counter survives
// reactivation of the same key.
//
// # Quota
//
// ProjectsCreatedTotal only grows. Deleting a saved project shrinks the
// registry but never returns quota.
package license

// Package auth provides authentication and authorisation for IoTFlow Core.
//
// It implements a two-tier identity model (device → admin) with:
//   - Opaque api-key device credentials resolved cache-first, store-second
//   - Static status-scope mapping (compile-time, no database lookup)
//   - Constant-time admin secret verification
//   - Short-lived HS256 admin JWTs validated by signature alone
//
// Device authorisation follows the admin status: active devices hold
// every scope, maintenance keeps only heartbeats and reads, inactive
// holds nothing. The cache is strictly an accelerator: any cache
// failure degrades to a store lookup, never to a denied request.
package auth

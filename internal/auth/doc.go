// Package auth guards the bridge's administrative surfaces.
//
// Two mechanisms are provided:
//   - HS256 JWT bearer tokens carrying a role, checked by the HTTP API
//     against a static role-permission table
//   - Argon2id password hashes, so bridge.password can be stored as a PHC
//     string instead of plaintext
package auth

// Package auth establishes who is calling the coven-desk HTTP API.
//
// # Tokens
//
// End users arrive with an HS256 JWT minted by the host application (or by
// `coven-desk token` during development). Claims:
//
//   - sub: stable user ID, required
//   - name, email: snapshot copied onto the session at assignment
//   - roles: "admin" unlocks agent management and access to any session
//
// # Development mode
//
// When no jwt_secret is configured, Middleware trusts the X-User-ID,
// X-User-Name, X-User-Email and X-User-Roles headers instead. Never expose
// a server in this mode.
//
// Identity lookup itself is out of scope: the token is the identity.
package auth

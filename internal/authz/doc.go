// Package authz provides the authorization primitives shared by the API and
// the client library.
//
// This package implements:
//   - The canonical role set and the normalized identity derived from a token
//   - Named role-requirement policies (AdminOnly, ManagerOnly, ...)
//   - The policy engine that turns an identity into an allow/deny decision
//
// Everything here is pure and safe for concurrent use. Claims parsing lives in
// the keycloak package; HTTP enforcement lives in the middleware package.
package authz

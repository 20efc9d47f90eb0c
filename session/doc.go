// Package session keeps a client's identity session alive.
//
// An Adapter owns one Session: it establishes it silently at startup, hands
// out access tokens that are never within the refresh lookahead of expiry,
// coalesces concurrent refreshes into one provider call, and publishes a
// read-only State for route guards and UI code. Navigation to the identity
// provider's hosted pages goes through a Redirector.
package session

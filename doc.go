// Package accounts implements user-account lifecycle management:
// registration, email confirmation, password recovery, administrative
// approval, blocking, and social-account connection.
//
// Lifecycle states observable on a User:
//
//	Unconfirmed -> Confirmed -> Approved
//
// Blocked is an orthogonal flag that overlays any of the three; blocking
// and unblocking never touch confirmation or approval. Every transition
// that requires proof of email ownership is gated by a time-limited,
// single-use Token.
//
// The package is host-framework agnostic: persistence goes through
// RepositoryManager (bun-backed repositories), email transport through
// Mailer, session establishment/invalidation through SessionGateway, and
// user-facing notices through Messenger. Services receive these
// collaborators explicitly; nothing reaches for globals.
package accounts

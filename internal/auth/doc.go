// Package auth protects the admin API with HS256 JWT bearer tokens.
//
// Tokens are minted with `iris token <operator>` and signed with
// auth.jwt_secret. The token subject names the operator; handlers read it
// with OperatorFrom and record it as the actor in the audit log.
//
// When no secret is configured the middleware lets every request through
// as "anonymous", which is only sensible when the admin listener is bound
// to localhost or a tailnet.
package auth

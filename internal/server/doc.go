// Package server wires every iris component together and runs them.
//
// New builds, in order: the SQLite usage store, the LLM client selected by
// provider.backend, the model catalog, the prompt assembler, the conversation
// store, the request pipeline and, when matrix.enabled is set, the Matrix bot.
//
// Run serves two listeners until the context is cancelled:
//
//   - HTTP: /health, /health/ready, and the /api/ admin routes. The API is
//     protected by HS256 bearer tokens when auth.jwt_secret is set.
//   - gRPC: the standard grpc.health.v1 service plus reflection. The overall
//     status becomes SERVING once the Matrix bot completes its first sync, or
//     immediately when no frontend is configured.
//
// With tailscale.enabled both listeners come from a tsnet node instead of
// server.http_addr and server.grpc_addr.
package server

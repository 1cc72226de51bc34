// Package gateway orchestrates the avatar-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the avatar-gateway
// server. It owns and wires all major components: the HTTP server, the
// SQLite store, the assistant client, the conversation service, the image
// generation orchestrator, and the artifact store.
//
// # HTTP API
//
// The JSON API covers the full client surface:
//
//	POST /api/users                    create a user
//	GET  /api/users?username=X         look up a user by name
//	GET  /api/users/{id}               fetch a user
//	POST /api/users/{id}/avatars       create an avatar (dispatches a portrait job)
//	GET  /api/users/{id}/avatars       list own plus system avatars
//	POST /api/users/{id}/chats         open a chat (creates an assistant thread)
//	GET  /api/users/{id}/chats         list chats
//	GET  /api/avatars/{id}             poll avatar image status
//	GET  /api/chats/{id}/messages      message history (?limit, ?format=html)
//	POST /api/chats/{id}/messages      synchronous message turn
//	POST /api/chats/{id}/stream        streamed turn over SSE
//	GET  /ws/chats/{id}                live chat over websocket
//	GET  /healthz                      liveness check
//
// Generated portraits are served from the assets directory under the
// configured URL prefix.
//
// # Lifecycle
//
// Run seeds the built-in system avatars, starts the HTTP listener, and
// blocks until the context is canceled. Shutdown stops the HTTP server,
// waits for in-flight image jobs, and closes the store.
package gateway

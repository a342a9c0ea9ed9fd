// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package http provides composable HTTP handlers for the passkey ceremonies.
//
// This package allows applications to add passkey authentication to their
// existing HTTP servers without coupling to the reference server in
// cmd/passkey-server.
//
// # Usage
//
// Create a handler from a passkey service and mount it on your router:
//
//	svc, _ := passkey.NewService(...)
//	handler := passkeyhttp.NewHandler(svc)
//
//	r.Route("/api/v1/passkey", func(r chi.Router) {
//	    passkeyhttp.MountChi(r, handler)
//	})
//
// # Endpoints
//
// The handler provides the following endpoints:
//
//	POST   /registration/begin        - Start registration ceremony
//	POST   /registration/finish       - Complete registration
//	POST   /login/begin               - Start authentication ceremony
//	POST   /login/finish              - Complete authentication
//	GET    /credentials               - List a user's credentials
//	DELETE /credentials/{credentialID} - Remove a credential
//
// # Headers
//
// The handlers use the following custom headers:
//
//	X-User-Id:     User handle returned by registration-begin, echoed back
//	               on finish and credential operations
//	X-Device-Name: Optional device label for registration-finish
//
// # Response Format
//
// All responses are JSON. Successful responses include the data directly.
// Error responses have the format:
//
//	{
//	    "error": "error_code",
//	    "message": "Human-readable message"
//	}
//
// Authentication failures at /login/finish deliberately collapse to one
// 401 error code so callers cannot distinguish which check failed.
package http

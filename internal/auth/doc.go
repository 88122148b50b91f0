// Package auth issues and validates the bearer tokens that protect the
// admin HTTP API and the admin WebSocket channel.
//
// Tokens are HS256 JWTs carrying a subject and a role. Roles map to a
// static permission set:
//
//	viewer    read devices, notifications and emergency status
//	operator  viewer plus device commands and content offers
//	admin     operator plus emergency control and entity deletes
//
// Devices do not use these tokens; they authenticate on the device bus with
// their own device token.
package auth

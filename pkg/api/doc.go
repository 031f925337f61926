/*
Package api is the HTTP front of hutch.

It serves the login form and session pages, the JSON session API, the
websocket bridge endpoint, and per-session workspace file access. The
request gate (requirePage/requireAPI + checkOwner) is the single
enforcement point for authentication and session ownership: handlers
behind it assume the requester owns the targeted session or is an
admin. The gate answers HTML routes with a redirect to /login and API
routes with 401; ownership failures are 404 (no record) or 403 (wrong
user). respond.go holds the one translation table from domain errors
to HTTP status codes.

The websocket endpoint reports auth failures as in-band close codes
(4001 unauthenticated, 4003 forbidden, 4004 unknown session) because
browsers hide the HTTP status of a failed handshake.
*/
package api

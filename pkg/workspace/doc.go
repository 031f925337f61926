// Package workspace gives each session a private directory tree that
// is bind-mounted into its terminal container and reachable over the
// upload/browse/download endpoints. Workspaces are created when a
// session is provisioned and removed when it is torn down. Every
// client-supplied path is resolved against the session's directory and
// rejected if it escapes.
package workspace

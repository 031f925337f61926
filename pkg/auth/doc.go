/*
Package auth verifies credentials against the local users file and,
when enabled, an LDAP directory.

Local users are authoritative: a username present in the YAML users
file is never retried against the directory, so a directory outage
cannot lock out local accounts and a directory account can never
shadow a local one. The directory flow is the classic
bind-search-(group)-bind: service bind, search with the username
substituted into an escaped filter, optional group membership search,
then a bind as the found entry with the submitted password.

ErrInvalidCredentials is final; ErrUnavailable is transient and maps
to a retriable HTTP status upstream. A per-(username, client IP) rate
limiter locks out repeated failures.
*/
package auth

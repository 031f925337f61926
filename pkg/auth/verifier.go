package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
)

var (
	// ErrInvalidCredentials is final: the username/password pair is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnavailable is transient: the directory service could not be
	// reached or answered abnormally. Callers may retry.
	ErrUnavailable = errors.New("authentication backend unavailable")
)

// Verifier validates credential pairs against the local users file
// first, then the directory service when configured.
type Verifier struct {
	usersPath string
	ldap      config.LDAPConfig
	// dial is swapped out in tests
	dial func() (ldapConn, error)
}

// ldapConn is the subset of *ldap.Conn the verifier uses.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(cfg *tls.Config) error
	Close() error
}

// NewVerifier creates a verifier for the given auth configuration.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	v := &Verifier{
		usersPath: cfg.UsersFile,
		ldap:      cfg.LDAP,
	}
	v.dial = v.dialLDAP
	return v
}

// Verify checks a credential pair. Local users are authoritative: a
// username present in the users file is never retried against LDAP.
func (v *Verifier) Verify(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	if v.usersPath != "" {
		uf, err := LoadUsers(v.usersPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if u, ok := uf.Users[username]; ok {
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
				return ErrInvalidCredentials
			}
			return nil
		}
	}

	if v.ldap.Enabled {
		return v.verifyLDAP(ctx, username, password)
	}

	return ErrInvalidCredentials
}

// IsAdmin reports whether username is flagged admin in the users file.
// Directory-service users are never admins.
func (v *Verifier) IsAdmin(username string) bool {
	if v.usersPath == "" {
		return false
	}
	uf, err := LoadUsers(v.usersPath)
	if err != nil {
		return false
	}
	return uf.Users[username].Admin
}

func (v *Verifier) dialLDAP() (ldapConn, error) {
	tlsVerify := true
	if v.ldap.TLSVerify != nil {
		tlsVerify = *v.ldap.TLSVerify
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: !tlsVerify}

	conn, err := ldap.DialURL(v.ldap.ServerURL, ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(v.ldap.Timeout.Std())

	if v.ldap.UseStartTLS && !strings.HasPrefix(v.ldap.ServerURL, "ldaps://") {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// verifyLDAP runs the bind-search-(group)-bind flow. Network failures
// map to ErrUnavailable; a definite mismatch maps to ErrInvalidCredentials.
func (v *Verifier) verifyLDAP(ctx context.Context, username, password string) error {
	logger := log.WithComponent("auth")

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conn, err := v.dial()
	if err != nil {
		logger.Warn().Err(err).Msg("ldap dial failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	// Step 1: service account bind
	if err := conn.Bind(v.ldap.BindDN, v.ldap.BindPassword); err != nil {
		logger.Error().Err(err).Msg("ldap service bind failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Step 2: search for the user entry; exactly one match is required
	filter := strings.ReplaceAll(v.ldap.SearchFilter, "{username}", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		v.ldap.SearchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0,
		int(v.ldap.Timeout.Std().Seconds()), false,
		filter, []string{"dn"}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		logger.Warn().Err(err).Msg("ldap user search failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res.Entries) != 1 {
		logger.Info().Str("user", username).Int("matches", len(res.Entries)).
			Msg("ldap user search did not yield exactly one entry")
		return ErrInvalidCredentials
	}
	userDN := res.Entries[0].DN

	// Step 3: optional group membership check
	if v.ldap.RequiredGroup != "" {
		groupBase := v.ldap.GroupSearchBase
		if groupBase == "" {
			groupBase = v.ldap.SearchBase
		}
		groupFilter := strings.ReplaceAll(v.ldap.GroupSearchFilter, "{user_dn}", ldap.EscapeFilter(userDN))
		groupReq := ldap.NewSearchRequest(
			groupBase,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0,
			int(v.ldap.Timeout.Std().Seconds()), false,
			groupFilter, []string{"dn"}, nil,
		)
		groupRes, err := conn.Search(groupReq)
		if err != nil {
			logger.Warn().Err(err).Msg("ldap group search failed")
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(groupRes.Entries) == 0 {
			logger.Info().Str("user", username).Msg("ldap user not in required group")
			return ErrInvalidCredentials
		}
	}

	// Step 4: bind as the user with the submitted password
	if err := conn.Bind(userDN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrInvalidCredentials
		}
		logger.Warn().Err(err).Msg("ldap user bind failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger.Info().Str("user", username).Msg("ldap authentication successful")
	return nil
}

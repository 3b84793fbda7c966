package pool

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

func isMemoryDSN(dsn string) bool {
	return dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// memoryDSN returns the DSN to open for an in-memory database and whether
// every connection of the handle sees the same data. DuckDB opens one
// database per connector. A bare sqlite3 ":memory:" becomes a uniquely named
// shared-cache database so streams do not queue on a single connection.
func memoryDSN(driver, dsn string) (string, bool) {
	switch {
	case driver == "duckdb":
		return dsn, true
	case driver == "sqlite3" && (dsn == "" || dsn == ":memory:"):
		return "file:flightline-" + uuid.NewString() + "?mode=memory&cache=shared", true
	default:
		return dsn, strings.Contains(dsn, "cache=shared")
	}
}

func isMotherDuckDSN(dsn string) bool {
	u, err := url.Parse(dsn)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "motherduck", "md":
		return true
	case "duckdb":
		return strings.HasPrefix(u.Host, "motherduck")
	default:
		return false
	}
}

// normalizeMotherDuckDSN rewrites motherduck://db as duckdb://motherduck/db.
func normalizeMotherDuckDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != "motherduck" {
		return dsn
	}
	u.Scheme = "duckdb"
	if u.Host == "" {
		u.Host = "motherduck"
	} else if !strings.HasPrefix(u.Host, "motherduck") {
		u.Path = "/" + u.Host + u.Path
		u.Host = "motherduck"
	}
	return u.String()
}

// withMotherDuckToken sets motherduck_token unless dsn already has one.
func withMotherDuckToken(dsn, token string) string {
	if token == "" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	q := u.Query()
	if q.Get("motherduck_token") != "" {
		return dsn
	}
	q.Set("motherduck_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskDSN hides passwords, tokens and secrets but keeps enough of the string
// to be recognisable in logs.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

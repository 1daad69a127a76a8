package repository

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// postgresDialect is the pro tier store.
var postgresDialect = dialect{
	driver: "postgres",
	dsn:    postgresDSN,
}

// postgresDSN builds a lib/pq keyword/value connection string. A
// postgres:// URL, when configured, wins over the individual fields.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	if cfg.PostgresURL != "" {
		dsn, err := pq.ParseURL(cfg.PostgresURL)
		if err != nil {
			return "", fmt.Errorf("%w: invalid postgres url: %v", ErrInvalidInput, err)
		}
		return dsn, nil
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	params := [][2]string{
		{"host", or(cfg.PostgresHost, "localhost")},
		{"port", strconv.Itoa(port)},
		{"dbname", or(cfg.PostgresDB, "kestrel")},
		{"sslmode", or(cfg.PostgresSSLMode, "disable")},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p[1] != "" {
			parts = append(parts, p[0]+"="+quoteDSNValue(p[1]))
		}
	}
	return strings.Join(parts, " "), nil
}

// quoteDSNValue single-quotes values lib/pq would otherwise split.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

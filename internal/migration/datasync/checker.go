package datasync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pgshift/pgshift/internal/migration/gateway"
)

// ConsistencyResult is the per-table verdict of a verification pass.
// Created fresh per call, never mutated after return.
type ConsistencyResult struct {
	Table         string   `json:"table"`
	Consistent    bool     `json:"consistent"`
	RowCountMatch bool     `json:"row_count_match"`
	ChecksumMatch bool     `json:"checksum_match"`
	BlueCount     int64    `json:"blue_count"`
	GreenCount    int64    `json:"green_count"`
	BlueChecksum  string   `json:"blue_checksum"`
	GreenChecksum string   `json:"green_checksum"`
	Differences   []string `json:"differences"`
	Err           string   `json:"error,omitempty"`
}

// ConsistencyCheckError reports a count or checksum query failure. It
// is recorded into the result rather than returned: verification is
// advisory and must not abort an otherwise healthy migration.
type ConsistencyCheckError struct {
	Table string
	Err   error
}

func (e *ConsistencyCheckError) Error() string {
	return fmt.Sprintf("consistency check for %s failed: %v", e.Table, e.Err)
}

func (e *ConsistencyCheckError) Unwrap() error { return e.Err }

// Checker compares row counts and content checksums between the two
// sides for a named table, with identical sampling and ordering rules
// on both sides.
type Checker struct {
	gw          gateway.Gateway
	blue, green gateway.Endpoint
}

func NewChecker(gw gateway.Gateway, blue, green gateway.Endpoint) *Checker {
	return &Checker{gw: gw, blue: blue, green: green}
}

func (c *Checker) VerifyTable(ctx context.Context, table string, sampleSize int) ConsistencyResult {
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	res := ConsistencyResult{Table: table, Consistent: true}

	blueCount, err := c.rowCount(ctx, c.blue, table)
	if err != nil {
		return failedResult(res, table, err)
	}
	greenCount, err := c.rowCount(ctx, c.green, table)
	if err != nil {
		return failedResult(res, table, err)
	}
	res.BlueCount = blueCount
	res.GreenCount = greenCount
	res.RowCountMatch = blueCount == greenCount
	if !res.RowCountMatch {
		res.Consistent = false
		res.Differences = append(res.Differences,
			fmt.Sprintf("row count mismatch: blue=%d, green=%d", blueCount, greenCount))
	}

	blueSum, err := c.checksum(ctx, c.blue, table, sampleSize)
	if err != nil {
		return failedResult(res, table, err)
	}
	greenSum, err := c.checksum(ctx, c.green, table, sampleSize)
	if err != nil {
		return failedResult(res, table, err)
	}
	res.BlueChecksum = blueSum
	res.GreenChecksum = greenSum
	res.ChecksumMatch = blueSum == greenSum
	if !res.ChecksumMatch {
		res.Consistent = false
		res.Differences = append(res.Differences,
			fmt.Sprintf("checksum mismatch: blue=%s, green=%s", blueSum, greenSum))
	}

	if res.Consistent {
		log.Debug().Str("table", table).Msg("table is consistent")
	} else {
		log.Warn().Str("table", table).Strs("differences", res.Differences).Msg("table has inconsistencies")
	}
	return res
}

func failedResult(res ConsistencyResult, table string, err error) ConsistencyResult {
	cerr := &ConsistencyCheckError{Table: table, Err: err}
	log.Error().Err(cerr).Msg("consistency check failed")
	res.Consistent = false
	res.Err = cerr.Error()
	return res
}

func (c *Checker) rowCount(ctx context.Context, ep gateway.Endpoint, table string) (int64, error) {
	rows, err := c.gw.Query(ctx, ep, fmt.Sprintf(`SELECT COUNT(*) AS n FROM %s`, table))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("count query for %s returned no rows", table)
	}
	return toInt64(rows[0]["n"]), nil
}

// checksum hashes a deterministic, primary-key-ordered sample of the
// table. Both sides must use the same ordering or the comparison is
// meaningless.
func (c *Checker) checksum(ctx context.Context, ep gateway.Endpoint, table string, sampleSize int) (string, error) {
	pk := primaryKeyColumn(ctx, c.gw, ep, table)
	rows, err := c.gw.Query(ctx, ep,
		fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT %d`, table, pk, sampleSize))
	if err != nil {
		return "", err
	}
	h := md5.New()
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			fmt.Fprintf(h, "%s=%v;", col, row[col])
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// primaryKeyColumn resolves the ordering column for a table via the
// catalog, defaulting to the conventional id column when no primary
// key constraint is found.
func primaryKeyColumn(ctx context.Context, gw gateway.Gateway, ep gateway.Endpoint, table string) string {
	const q = `SELECT column_name
	FROM information_schema.key_column_usage
	WHERE table_name = $1 AND constraint_name LIKE '%_pkey'
	LIMIT 1`
	rows, err := gw.Query(ctx, ep, q, table)
	if err != nil || len(rows) == 0 {
		return "id"
	}
	if name, ok := rows[0]["column_name"].(string); ok && name != "" {
		return name
	}
	return "id"
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscan(strings.TrimSpace(n), &out)
		return out
	default:
		return 0
	}
}

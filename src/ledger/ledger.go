// Package ledger keeps a postgres history of every claim transaction this
// process has broadcast. It is optional bookkeeping: the engines run fine
// without a configured connection.
//
// Expected schema:
//
//	CREATE TABLE claim_ledger (
//	    batch_id  uuid NOT NULL,
//	    chain     text NOT NULL,
//	    validator text NOT NULL,
//	    era       bigint NOT NULL,
//	    page      bigint NOT NULL,
//	    nonce     bigint NOT NULL,
//	    status    claim_status NOT NULL,
//	    error     text,
//	    recorded  timestamptz NOT NULL
//	);
package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/substrate-tools/payoutd/src/model"
)

var connectionString string

func Configure(connString string) {
	connectionString = connString
}

func Enabled() bool {
	return connectionString != ""
}

func GetConnection(ctx context.Context) (*pgx.Conn, error) {
	pg, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection to pg")
	}
	return pg, nil
}

func DoQuery(ctx context.Context, handler func(conn *pgx.Conn) error) error {
	conn, err := GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return handler(conn)
}

// Ledger adapts the package to settlement.ClaimRecorder.
type Ledger struct{}

func (Ledger) RecordClaims(ctx context.Context, batchID, chain string, results []model.ClaimResult) error {
	return RecordClaims(ctx, batchID, chain, results)
}

func RecordClaims(ctx context.Context, batchID, chain string, results []model.ClaimResult) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		rows := [][]any{}
		now := time.Now().UTC()
		for _, r := range results {
			rows = append(rows, []any{
				batchID, chain, string(r.Tx.Validator), int64(r.Tx.Era), int64(r.Tx.Page),
				int64(r.Tx.Nonce), string(r.Status), r.Err, now,
			})
		}
		_, err := conn.CopyFrom(ctx, pgx.Identifier{"claim_ledger"},
			[]string{"batch_id", "chain", "validator", "era", "page", "nonce", "status", "error", "recorded"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return errors.Wrap(err, "failed to write to claim ledger")
		}
		return nil
	})
}

// GetFailedClaims lists the most recent failed claims, newest first, for
// operator inspection after a partially failed batch.
func GetFailedClaims(ctx context.Context, chain string, limit int) ([]model.ClaimResult, error) {
	var out []model.ClaimResult
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT validator, era, page, nonce, status, error FROM claim_ledger
				WHERE chain = $1 AND status = $2 ORDER BY recorded DESC LIMIT $3`,
			chain, string(model.ClaimStatusError), limit)
		if err != nil {
			return errors.Wrap(err, "failed querying claim ledger")
		}
		defer rows.Close()
		for rows.Next() {
			var r model.ClaimResult
			var validator, status string
			var era, page, nonce int64
			if err := rows.Scan(&validator, &era, &page, &nonce, &status, &r.Err); err != nil {
				return errors.Wrap(err, "failed scanning claim ledger row")
			}
			r.Tx = model.ClaimTransaction{
				Validator: model.StashAddr(validator),
				Era:       uint32(era),
				Page:      uint32(page),
				Nonce:     uint32(nonce),
			}
			r.Status = model.ClaimStatus(status)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

package postgres

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify marks connection-level failures with errs.ErrStorageUnavailable
// so callers can tell an outage from a bad query.
func classify(err error) error {
	if err == nil || !isUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrStorageUnavailable, err)
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ConnectionException,
			pgerrcode.ConnectionDoesNotExist,
			pgerrcode.ConnectionFailure,
			pgerrcode.SQLClientUnableToEstablishSQLConnection,
			pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection,
			pgerrcode.TransactionResolutionUnknown,
			pgerrcode.TooManyConnections,
			pgerrcode.CannotConnectNow,
			pgerrcode.AdminShutdown:
			return true
		default:
			return false
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if os.IsTimeout(err) {
		return true
	}

	return false
}

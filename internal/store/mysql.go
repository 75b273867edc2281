package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"matchbook/internal/models"

	_ "github.com/go-sql-driver/mysql"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// Schema is the DDL the engine's store needs. Callers run it once at
// startup (idempotent via IF NOT EXISTS) rather than relying on an
// external migration tool; there is exactly one schema version here.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	balance DECIMAL(20,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id VARCHAR(64) NOT NULL,
	symbol VARCHAR(16) NOT NULL,
	quantity DECIMAL(28,8) NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	symbol VARCHAR(16) NOT NULL,
	amount DECIMAL(28,8) NOT NULL,
	limit_price DECIMAL(20,2) NOT NULL,
	status VARCHAR(16) NOT NULL,
	creation_time BIGINT NOT NULL,
	canceled_time BIGINT NOT NULL DEFAULT 0,
	INDEX idx_book (symbol, status, limit_price, creation_time, id)
);

CREATE TABLE IF NOT EXISTS executions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	order_id BIGINT NOT NULL,
	shares DECIMAL(28,8) NOT NULL,
	price DECIMAL(20,2) NOT NULL,
	exec_time BIGINT NOT NULL,
	INDEX idx_order (order_id)
);
`

// convertURIToDSN converts a TiDB-Cloud-style mysql:// URI to the
// driver's DSN format; a traditional DSN (no "scheme://" prefix) passes
// through unchanged, and a URI with any other scheme is an error.
// Kept from the connection logic this package is modeled on; exchange
// operators commonly hand out TiDB Cloud connection URIs, not raw DSNs.
func convertURIToDSN(connectionString string) (string, error) {
	if !strings.Contains(connectionString, "://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unsupported scheme: %s (expected mysql)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		if password != "" {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "exchange"
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	defaultParams := url.Values{
		"parseTime": []string{"true"},
		"charset":   []string{"utf8mb4"},
		"collation": []string{"utf8mb4_unicode_ci"},
	}
	existingParams := u.Query()
	for key, values := range defaultParams {
		if !existingParams.Has(key) {
			existingParams[key] = values
		}
	}
	if len(existingParams) > 0 {
		dsn += "?" + existingParams.Encode()
	}
	return dsn, nil
}

// MySQLStore implements Store over database/sql with the MySQL driver.
type MySQLStore struct {
	db *sql.DB
}

// Connect opens a MySQL/TiDB connection using the given connection
// string (DSN or mysql:// URI), verifies it with a ping and tunes the
// pool. It does not run Schema; callers that want auto-migration call
// Migrate explicitly.
func Connect(connectionString string) (*MySQLStore, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	dsn, err := convertURIToDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	return &MySQLStore{db: db}, nil
}

// Migrate creates the schema if it does not already exist.
func (s *MySQLStore) Migrate() error {
	for _, stmt := range strings.Split(Schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &mysqlTx{tx: tx}, nil
}

// IsRetryable reports whether err is a transient MySQL conflict (deadlock
// or lock-wait-timeout) that the engine may retry a bounded number of
// times per §4.1.5.
func IsRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205: // deadlock found / lock wait timeout exceeded
			return true
		}
	}
	return false
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Commit() error   { return t.tx.Commit() }
func (t *mysqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *mysqlTx) CreateAccount(id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(`INSERT INTO accounts (id, balance) VALUES (?, ?)`, id, balance)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *mysqlTx) GetAccountForUpdate(id string) (*models.Account, error) {
	row := t.tx.QueryRow(`SELECT id, balance FROM accounts WHERE id = ? FOR UPDATE`, id)
	var a models.Account
	if err := row.Scan(&a.ID, &a.Balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *mysqlTx) SetAccountBalance(id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(`UPDATE accounts SET balance = ? WHERE id = ?`, balance, id)
	return err
}

func (t *mysqlTx) GetPositionForUpdate(accountID, symbol string) (*models.Position, error) {
	row := t.tx.QueryRow(`SELECT account_id, symbol, quantity FROM positions WHERE account_id = ? AND symbol = ? FOR UPDATE`, accountID, symbol)
	var p models.Position
	if err := row.Scan(&p.AccountID, &p.Symbol, &p.Quantity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *mysqlTx) UpsertPosition(accountID, symbol string, quantity decimal.Decimal) error {
	_, err := t.tx.Exec(`
		INSERT INTO positions (account_id, symbol, quantity) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity)`,
		accountID, symbol, quantity)
	return err
}

func (t *mysqlTx) InsertOrder(o *models.Order) (int64, error) {
	res, err := t.tx.Exec(`
		INSERT INTO orders (account_id, symbol, amount, limit_price, status, creation_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.AccountID, o.Symbol, o.Amount, o.LimitPrice, string(o.Status), o.CreationTime)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	var status string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &status, &o.CreationTime, &o.CanceledTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}

func (t *mysqlTx) GetOrderForUpdate(id int64) (*models.Order, error) {
	row := t.tx.QueryRow(`
		SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
		FROM orders WHERE id = ? FOR UPDATE`, id)
	return scanOrder(row)
}

func (t *mysqlTx) GetOrder(id int64) (*models.Order, error) {
	row := t.tx.QueryRow(`
		SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
		FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (t *mysqlTx) UpdateOrderStatus(id int64, status models.OrderStatus) error {
	_, err := t.tx.Exec(`UPDATE orders SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (t *mysqlTx) MarkCanceled(id int64, canceledAt int64) error {
	_, err := t.tx.Exec(`UPDATE orders SET status = ?, canceled_time = ? WHERE id = ?`,
		string(models.OrderCanceled), canceledAt, id)
	return err
}

func (t *mysqlTx) BestOpposite(symbol string, wantSide models.Side) (*models.Order, error) {
	var query string
	if wantSide == models.Buy {
		query = `
			SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
			FROM orders
			WHERE symbol = ? AND status = 'OPEN' AND amount > 0
			ORDER BY limit_price DESC, creation_time ASC, id ASC
			LIMIT 1 FOR UPDATE`
	} else {
		query = `
			SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
			FROM orders
			WHERE symbol = ? AND status = 'OPEN' AND amount < 0
			ORDER BY limit_price ASC, creation_time ASC, id ASC
			LIMIT 1 FOR UPDATE`
	}
	row := t.tx.QueryRow(query, symbol)
	return scanOrder(row)
}

func (t *mysqlTx) InsertExecution(orderID int64, shares, price decimal.Decimal, execTime int64) error {
	_, err := t.tx.Exec(`
		INSERT INTO executions (order_id, shares, price, exec_time) VALUES (?, ?, ?, ?)`,
		orderID, shares, price, execTime)
	return err
}

func (t *mysqlTx) ListExecutions(orderID int64) ([]models.Execution, error) {
	rows, err := t.tx.Query(`
		SELECT id, order_id, shares, price, exec_time FROM executions
		WHERE order_id = ? ORDER BY exec_time ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var e models.Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Shares, &e.Price, &e.ExecTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *mysqlTx) SumShares(orderID int64) (decimal.Decimal, error) {
	row := t.tx.QueryRow(`SELECT COALESCE(SUM(shares), 0) FROM executions WHERE order_id = ?`, orderID)
	var total decimal.Decimal
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *mysqlTx) OpenOrders(symbol string, side models.Side) ([]models.Order, error) {
	var query string
	if side == models.Buy {
		query = `
			SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
			FROM orders WHERE symbol = ? AND status = 'OPEN' AND amount > 0
			ORDER BY limit_price DESC, creation_time ASC, id ASC`
	} else {
		query = `
			SELECT id, account_id, symbol, amount, limit_price, status, creation_time, canceled_time
			FROM orders WHERE symbol = ? AND status = 'OPEN' AND amount < 0
			ORDER BY limit_price ASC, creation_time ASC, id ASC`
	}
	rows, err := t.tx.Query(query, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		var status string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &status, &o.CreationTime, &o.CanceledTime); err != nil {
			return nil, err
		}
		o.Status = models.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *mysqlTx) ListSymbolsWithOpenOrders() ([]string, error) {
	rows, err := t.tx.Query(`SELECT DISTINCT symbol FROM orders WHERE status = 'OPEN' ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}

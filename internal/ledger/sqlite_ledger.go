package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pravardha-anchor/internal/domain"
)

const (
	accountKindDevice    = "device"
	accountKindAggregate = "aggregate"
)

// SQLiteLedger 本地追加式账本（开发/离线环境使用）
// 所有账户共用一张表，address 为主键，重复写入同一地址一律拒绝。
type SQLiteLedger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLiteLedger opens or creates a ledger file at path.
func OpenSQLiteLedger(path string, logger *zap.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// 单连接：写入串行化，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createLedgerSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the ledger database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func createLedgerSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		device_address TEXT,
		device_pubkey TEXT,
		calibration_hash TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		window_start INTEGER,
		stats TEXT,
		sample_count INTEGER,
		merkle_root TEXT,
		offchain_uri TEXT,
		tx_ref TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_device ON accounts(device_address);
	`
	_, err := db.Exec(schema)
	return err
}

func (l *SQLiteLedger) Exists(ctx context.Context, addr Address) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE address = ?`, addr.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query account: %w", err)
	}
	return n > 0, nil
}

func (l *SQLiteLedger) RegisterDevice(ctx context.Context, reg Registration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txRef := uuid.New().String()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO accounts (address, kind, device_pubkey, calibration_hash, is_active, tx_ref, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(address) DO NOTHING`,
		reg.Address.String(),
		accountKindDevice,
		hex.EncodeToString(reg.DevicePublicKey),
		hex.EncodeToString(reg.CalibrationHash[:]),
		txRef,
		l.now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert device account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", domain.ErrAddressInUse
	}

	l.logger.Info("Device registered on local ledger",
		zap.String("address", reg.Address.String()),
		zap.String("tx_ref", txRef),
	)
	return txRef, nil
}

func (l *SQLiteLedger) SubmitCommitment(ctx context.Context, sub Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 设备必须已注册且处于激活状态
	var active int
	err := l.db.QueryRowContext(ctx,
		`SELECT is_active FROM accounts WHERE address = ? AND kind = ?`,
		sub.DeviceAddress.String(), accountKindDevice,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device %s is not registered", sub.DeviceAddress)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device account: %w", err)
	}
	if active == 0 {
		return "", fmt.Errorf("device %s is not active", sub.DeviceAddress)
	}

	stats, err := json.Marshal(sub.Stats)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stats: %w", err)
	}

	txRef := uuid.New().String()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO accounts (address, kind, device_address, window_start, stats, sample_count, merkle_root, offchain_uri, tx_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO NOTHING`,
		sub.Address.String(),
		accountKindAggregate,
		sub.DeviceAddress.String(),
		sub.WindowStart,
		string(stats),
		sub.SampleCount,
		hex.EncodeToString(sub.MerkleRoot[:]),
		sub.OffchainURI,
		txRef,
		l.now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert aggregate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", domain.ErrAddressInUse
	}

	l.logger.Info("Aggregate submitted to local ledger",
		zap.String("address", sub.Address.String()),
		zap.Int64("window_start", sub.WindowStart),
		zap.String("tx_ref", txRef),
	)
	return txRef, nil
}

func (l *SQLiteLedger) GetCommitment(ctx context.Context, addr Address) (*Commitment, error) {
	var (
		deviceAddr, stats, root, uri, txRef string
		windowStart, createdAt              int64
		sampleCount                         uint32
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT device_address, window_start, stats, sample_count, merkle_root, offchain_uri, tx_ref, created_at
		FROM accounts
		WHERE address = ? AND kind = ?`,
		addr.String(), accountKindAggregate,
	).Scan(&deviceAddr, &windowStart, &stats, &sampleCount, &root, &uri, &txRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "address", Ref: addr.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query commitment: %w", err)
	}

	p := commitmentPayload{
		Address:       addr.String(),
		DeviceAddress: deviceAddr,
		WindowStart:   windowStart,
		SampleCount:   sampleCount,
		MerkleRoot:    root,
		OffchainURI:   uri,
		TxRef:         txRef,
		SubmittedAt:   createdAt,
	}
	if err := json.Unmarshal([]byte(stats), &p.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	return p.toCommitment()
}

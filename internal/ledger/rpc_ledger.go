package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

// RPCConfig 账本网关客户端配置
type RPCConfig struct {
	BaseURL      string
	Authority    string // 提交者身份（网关用它签名交易）
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// gatewayResponse 网关统一响应
type gatewayResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

type txResponse struct {
	gatewayResponse
	Data struct {
		TxRef string `json:"tx_ref"`
	} `json:"data"`
}

type accountResponse struct {
	gatewayResponse
	Data struct {
		Exists bool   `json:"exists"`
		Kind   string `json:"kind"`
	} `json:"data"`
}

type commitmentResponse struct {
	gatewayResponse
	Data commitmentPayload `json:"data"`
}

type registrationPayload struct {
	Address         string `json:"address"`
	DevicePubkey    string `json:"device_pubkey"`
	CalibrationHash string `json:"calibration_hash"`
	Authority       string `json:"authority,omitempty"`
}

type commitmentPayload struct {
	Address       string `json:"address"`
	DeviceAddress string `json:"device_address"`
	WindowStart   int64  `json:"window_start"`
	Stats         Stats  `json:"stats"`
	SampleCount   uint32 `json:"sample_count"`
	MerkleRoot    string `json:"merkle_root"`
	OffchainURI   string `json:"offchain_uri"`
	Authority     string `json:"authority,omitempty"`
	TxRef         string `json:"tx_ref,omitempty"`
	SubmittedAt   int64  `json:"submitted_at,omitempty"`
}

// RPCLedger 通过 HTTP 网关访问账本
type RPCLedger struct {
	httpClient *resty.Client
	authority  string
	logger     *zap.Logger
}

var _ Ledger = (*RPCLedger)(nil)

// NewRPCLedger creates a gateway client. Writes are retried by resty on
// transport errors; that is safe because every write targets a
// deterministic address.
func NewRPCLedger(cfg RPCConfig, logger *zap.Logger) *RPCLedger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RPCLedger{
		httpClient: client,
		authority:  cfg.Authority,
		logger:     logger,
	}
}

// Exists checks whether any account lives at addr.
func (c *RPCLedger) Exists(ctx context.Context, addr Address) (bool, error) {
	var out accountResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/v1/accounts/" + addr.String())
	if err != nil {
		return false, fmt.Errorf("failed to query account: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return out.Data.Exists, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, statusError(resp, out.gatewayResponse)
}

// RegisterDevice creates the device account.
func (c *RPCLedger) RegisterDevice(ctx context.Context, reg Registration) (string, error) {
	body := registrationPayload{
		Address:         reg.Address.String(),
		DevicePubkey:    hex.EncodeToString(reg.DevicePublicKey),
		CalibrationHash: hex.EncodeToString(reg.CalibrationHash[:]),
		Authority:       c.authority,
	}

	c.logger.Info("Calling ledger gateway: register device",
		zap.String("address", body.Address),
	)

	return c.postTx(ctx, "/v1/devices", body)
}

// SubmitCommitment creates the window commitment account.
func (c *RPCLedger) SubmitCommitment(ctx context.Context, sub Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	body := commitmentPayload{
		Address:       sub.Address.String(),
		DeviceAddress: sub.DeviceAddress.String(),
		WindowStart:   sub.WindowStart,
		Stats:         sub.Stats,
		SampleCount:   sub.SampleCount,
		MerkleRoot:    hex.EncodeToString(sub.MerkleRoot[:]),
		OffchainURI:   sub.OffchainURI,
		Authority:     c.authority,
	}

	c.logger.Info("Calling ledger gateway: submit commitment",
		zap.String("address", body.Address),
		zap.Int64("window_start", sub.WindowStart),
		zap.String("merkle_root", body.MerkleRoot),
	)

	return c.postTx(ctx, "/v1/commitments", body)
}

// GetCommitment reads back a window commitment.
func (c *RPCLedger) GetCommitment(ctx context.Context, addr Address) (*Commitment, error) {
	var out commitmentResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/v1/commitments/" + addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query commitment: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, &domain.NotFoundError{Kind: "address", Ref: addr.String()}
	}
	if resp.IsError() || out.Status != 0 {
		return nil, statusError(resp, out.gatewayResponse)
	}
	return out.Data.toCommitment()
}

func (c *RPCLedger) postTx(ctx context.Context, path string, body any) (string, error) {
	var out txResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		c.logger.Error("Ledger gateway call failed", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("failed to call ledger gateway: %w", err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return "", domain.ErrAddressInUse
	}
	if resp.IsError() || out.Status != 0 {
		c.logger.Error("Ledger gateway returned error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.Int("status", out.Status),
			zap.String("msg", out.Msg),
		)
		return "", statusError(resp, out.gatewayResponse)
	}
	if out.Data.TxRef == "" {
		return "", fmt.Errorf("ledger gateway returned empty tx_ref")
	}
	return out.Data.TxRef, nil
}

func statusError(resp *resty.Response, g gatewayResponse) error {
	return fmt.Errorf("ledger gateway error: %s (http %d, status %d)", g.Msg, resp.StatusCode(), g.Status)
}

func (p commitmentPayload) toCommitment() (*Commitment, error) {
	addr, err := ParseAddress(p.Address)
	if err != nil {
		return nil, err
	}
	device, err := ParseAddress(p.DeviceAddress)
	if err != nil {
		return nil, err
	}
	root, err := hex.DecodeString(p.MerkleRoot)
	if err != nil || len(root) != domain.MerkleRootSize {
		return nil, fmt.Errorf("invalid merkle_root %q from ledger", p.MerkleRoot)
	}
	c := &Commitment{
		Submission: Submission{
			Address:       addr,
			DeviceAddress: device,
			WindowStart:   p.WindowStart,
			Stats:         p.Stats,
			SampleCount:   p.SampleCount,
			OffchainURI:   p.OffchainURI,
		},
		TxRef: p.TxRef,
	}
	copy(c.MerkleRoot[:], root)
	if p.SubmittedAt > 0 {
		c.SubmittedAt = time.Unix(p.SubmittedAt, 0).UTC()
	}
	return c, nil
}

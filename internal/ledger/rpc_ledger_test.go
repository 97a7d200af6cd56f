package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
)

func newTestRPCLedger(t *testing.T, h http.HandlerFunc) *RPCLedger {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRPCLedger(RPCConfig{BaseURL: srv.URL, Authority: "authority-1"}, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func testAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestRPCLedger_Exists(t *testing.T) {
	present := testAddress(1)
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path == "/v1/accounts/"+present.String() {
			writeJSON(w, http.StatusOK, map[string]any{"status": 0, "msg": "ok", "data": map[string]any{"exists": true, "kind": "device"}})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"status": 404, "msg": "not found"})
	})

	ok, err := l.Exists(context.Background(), present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Exists(context.Background(), testAddress(2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCLedger_Exists_ServerError(t *testing.T) {
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": 500, "msg": "node unavailable"})
	})

	_, err := l.Exists(context.Background(), testAddress(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node unavailable")
}

func TestRPCLedger_RegisterDevice(t *testing.T) {
	var got registrationPayload
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/devices", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "msg": "ok", "data": map[string]any{"tx_ref": "tx-reg-1"}})
	})

	reg := Registration{Address: testAddress(3), DevicePublicKey: []byte{0xde, 0xad}}
	reg.CalibrationHash[0] = 0xff

	txRef, err := l.RegisterDevice(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, "tx-reg-1", txRef)
	assert.Equal(t, reg.Address.String(), got.Address)
	assert.Equal(t, "dead", got.DevicePubkey)
	assert.Equal(t, "ff"+hex.EncodeToString(make([]byte, 31)), got.CalibrationHash)
	assert.Equal(t, "authority-1", got.Authority)
}

func TestRPCLedger_SubmitCommitment_Conflict(t *testing.T) {
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"status": 409, "msg": "account already in use"})
	})

	_, err := l.SubmitCommitment(context.Background(), Submission{Address: testAddress(4), DeviceAddress: testAddress(5)})
	assert.ErrorIs(t, err, domain.ErrAddressInUse)
}

func TestRPCLedger_SubmitCommitment_URITooLong(t *testing.T) {
	calls := 0
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]any{"tx_ref": "x"}})
	})

	uri := make([]rune, domain.MaxOffchainURILength+1)
	for i := range uri {
		uri[i] = 'a'
	}
	_, err := l.SubmitCommitment(context.Background(), Submission{OffchainURI: string(uri)})
	assert.True(t, domain.IsPrecondition(err))
	assert.Equal(t, 0, calls)
}

func TestRPCLedger_SubmitAndGetCommitment(t *testing.T) {
	var stored commitmentPayload
	l := newTestRPCLedger(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			stored.TxRef = "tx-sub-1"
			stored.SubmittedAt = 1740787600
			writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]any{"tx_ref": stored.TxRef}})
		case http.MethodGet:
			if r.URL.Path != "/v1/commitments/"+stored.Address {
				writeJSON(w, http.StatusNotFound, map[string]any{"status": 404, "msg": "not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": stored})
		}
	})

	sub := Submission{
		Address:       testAddress(6),
		DeviceAddress: testAddress(7),
		WindowStart:   1740787200,
		Stats:         Stats{TempMin: 20, TempMax: 25, TempAvg: 22.5},
		SampleCount:   45,
		OffchainURI:   "ipfs://bafy",
	}
	sub.MerkleRoot[31] = 0x01

	txRef, err := l.SubmitCommitment(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "tx-sub-1", txRef)

	c, err := l.GetCommitment(context.Background(), sub.Address)
	require.NoError(t, err)
	assert.Equal(t, sub, c.Submission)
	assert.Equal(t, "tx-sub-1", c.TxRef)
	assert.Equal(t, int64(1740787600), c.SubmittedAt.Unix())

	_, err = l.GetCommitment(context.Background(), testAddress(8))
	assert.True(t, domain.IsNotFound(err))
}

package exchange

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 私有接口鉴权头
const (
	HeaderTimestamp = "X-edgeX-Api-Timestamp"
	HeaderSignature = "X-edgeX-Api-Signature"
	HeaderAccount   = "X-edgeX-Api-Account"
)

// Signer 为私有请求生成鉴权头
type Signer interface {
	Sign(method, path string, body []byte, ts int64) (map[string]string, error)
}

// NopSigner 不签名（模拟盘 / 公共接口）
type NopSigner struct{}

func (NopSigner) Sign(string, string, []byte, int64) (map[string]string, error) { return nil, nil }

// EthSigner 用 secp256k1 私钥对 keccak256(ts + METHOD + path + body) 签名
type EthSigner struct {
	key       *ecdsa.PrivateKey
	accountID string
}

// NewEthSigner 从 hex 私钥构造（允许 0x 前缀）
func NewEthSigner(hexKey, accountID string) (*EthSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &EthSigner{key: key, accountID: accountID}, nil
}

// Address 签名私钥对应的地址
func (s *EthSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SigningHash 被签名的摘要
func SigningHash(method, path string, body []byte, ts int64) []byte {
	return crypto.Keccak256(
		[]byte(strconv.FormatInt(ts, 10)),
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		body,
	)
}

func (s *EthSigner) Sign(method, path string, body []byte, ts int64) (map[string]string, error) {
	sig, err := crypto.Sign(SigningHash(method, path, body, ts), s.key)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: "0x" + hex.EncodeToString(sig),
	}
	if s.accountID != "" {
		headers[HeaderAccount] = s.accountID
	}
	return headers, nil
}

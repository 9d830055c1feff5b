// Package cipher 票据序列化数据的签名与加密
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// 密钥派生用途标识
const (
	signingInfo    = "uac-ticket/signing"
	encryptionInfo = "uac-ticket/encryption"
)

// 派生后的密钥长度
const (
	SigningKeySize    = 64
	EncryptionKeySize = chacha20poly1305.KeySize
)

// ErrInvalidKey 密钥配置无效
var ErrInvalidKey = errors.New("票据密钥无效")

// Executor 票据数据的编码与解码
// 解码失败一律返回 model.ErrIntegrityViolation，调用方不会拿到部分可信的数据。
type Executor interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Enabled() bool
}

// NoOp 不做任何处理的实现
type NoOp struct{}

// Encode 原样返回
func (NoOp) Encode(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Decode 原样返回
func (NoOp) Decode(data []byte) ([]byte, error) { return data, nil }

// Enabled 始终为 false
func (NoOp) Enabled() bool { return false }

// Config 密钥配置
// 密钥为 base64 编码的原始密钥材料，实际使用的密钥经 HKDF 派生。
type Config struct {
	Enabled       bool
	SigningKey    string
	EncryptionKey string
}

// payloadClaims 签名载荷
type payloadClaims struct {
	Payload []byte `json:"p"`
	jwt.RegisteredClaims
}

// TicketCipher 先以 HS512 签名，再以 XChaCha20-Poly1305 加密
// 未配置加密密钥时只签名。
type TicketCipher struct {
	signingKey []byte
	aead       stdcipher.AEAD
	parser     *jwt.Parser
	logger     *zap.Logger
}

// New 由原始密钥材料创建
func New(signingKey, encryptionKey []byte, logger *zap.Logger) (*TicketCipher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: 缺少签名密钥", ErrInvalidKey)
	}

	c := &TicketCipher{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
			jwt.WithStrictDecoding(),
		),
		logger: logger,
	}

	var err error
	if c.signingKey, err = derive(signingKey, signingInfo, SigningKeySize); err != nil {
		return nil, err
	}
	if len(encryptionKey) > 0 {
		key, err := derive(encryptionKey, encryptionInfo, EncryptionKeySize)
		if err != nil {
			return nil, err
		}
		if c.aead, err = chacha20poly1305.NewX(key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
	}
	return c, nil
}

// NewFromConfig 按配置创建
// 配置了密钥但未显式启用时自动启用，启用但未配置密钥时生成进程内临时密钥，两种情况都会输出告警。
func NewFromConfig(cfg Config, logger *zap.Logger) (Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hasKeys := cfg.SigningKey != "" || cfg.EncryptionKey != ""
	if !cfg.Enabled && !hasKeys {
		return NoOp{}, nil
	}
	if !cfg.Enabled {
		logger.Warn("检测到票据密钥但未显式启用加密，已自动启用票据签名与加密")
	}

	signing, err := decodeKey(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("签名密钥: %w", err)
	}
	encryption, err := decodeKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("加密密钥: %w", err)
	}

	if len(signing) == 0 {
		logger.Warn("未配置票据签名密钥，已生成临时密钥；集群中各节点的密钥将不一致")
		if signing, err = GenerateKey(SigningKeySize); err != nil {
			return nil, err
		}
	}
	if len(encryption) == 0 {
		logger.Warn("未配置票据加密密钥，已生成临时密钥；集群中各节点的密钥将不一致")
		if encryption, err = GenerateKey(EncryptionKeySize); err != nil {
			return nil, err
		}
	}
	return New(signing, encryption, logger)
}

// GenerateKey 生成随机密钥材料
func GenerateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	return key, nil
}

// EncodeKey 将密钥编码为配置文件使用的格式
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Enabled 始终为 true
func (c *TicketCipher) Enabled() bool { return true }

// Encrypting 是否启用了加密
func (c *TicketCipher) Encrypting() bool { return c.aead != nil }

// Encode 签名并加密
func (c *TicketCipher) Encode(plaintext []byte) ([]byte, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, payloadClaims{Payload: plaintext})
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return nil, fmt.Errorf("签名票据失败: %w", err)
	}
	if c.aead == nil {
		return []byte(signed), nil
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(signed)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(signed), nil), nil
}

// Decode 解密并校验签名
func (c *TicketCipher) Decode(data []byte) ([]byte, error) {
	signed := data
	if c.aead != nil {
		if len(data) < c.aead.NonceSize()+c.aead.Overhead() {
			return nil, c.violation("密文长度不足", nil)
		}
		nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
		plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, c.violation("解密失败", err)
		}
		signed = plain
	}

	var claims payloadClaims
	if _, err := c.parser.ParseWithClaims(string(signed), &claims, func(*jwt.Token) (interface{}, error) {
		return c.signingKey, nil
	}); err != nil {
		return nil, c.violation("签名校验失败", err)
	}
	return claims.Payload, nil
}

func (c *TicketCipher) violation(reason string, err error) error {
	c.logger.Error("票据完整性校验失败", zap.String("reason", reason), zap.Error(err))
	if err == nil {
		return fmt.Errorf("%w: %s", model.ErrIntegrityViolation, reason)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrIntegrityViolation, reason, err)
}

// DigestID 票据 ID 的 SHA-512 摘要，用作加密存储时的键
func DigestID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha512.Sum512([]byte(id))
	return fmt.Sprintf("%x", sum)
}

func derive(secret []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha512.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("%w: 密钥派生失败: %w", ErrInvalidKey, err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return key, nil
}

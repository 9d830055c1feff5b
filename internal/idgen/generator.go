// Package idgen 票据 ID 生成
//
// ID 格式为 prefix-序号-随机串[-后缀]。序号是进程内递增计数，随机串来自 crypto/rand，
// 全局唯一性依赖随机串，后缀用于在集群中追溯签发节点。
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultMinEntropyBits 随机串的默认最小熵
const DefaultMinEntropyBits = 96

// 每个 base64 字符编码的随机位数
const bitsPerChar = 6

// 下划线替换为连字符后字母表只剩 63 个符号，每个字符携带的熵
var entropyPerChar = math.Log2(63)

var (
	// ErrEntropyUnavailable 随机源不可用
	ErrEntropyUnavailable = errors.New("随机源不可用")
	// ErrInsufficientEntropy ID 长度不足以提供所需的熵
	ErrInsufficientEntropy = errors.New("票据 ID 熵不足")
	// ErrInvalidPrefix 前缀为空或包含分隔符
	ErrInvalidPrefix = errors.New("票据前缀无效")
)

// Generator 票据 ID 生成器
type Generator interface {
	NewTicketID(prefix string) (string, error)
}

// Options 生成器配置
type Options struct {
	// Length 随机串长度（字符数）
	Length int
	// Suffix 节点标识，为空时不追加后缀
	Suffix string
	// MinEntropyBits 随机串最小熵，0 表示使用默认值
	MinEntropyBits int
	// Random 随机源，为空时使用 crypto/rand
	Random io.Reader
}

// DefaultGenerator 默认实现
type DefaultGenerator struct {
	length int
	suffix string
	random io.Reader
	seq    atomic.Uint64
}

// New 创建生成器
func New(opts Options) (*DefaultGenerator, error) {
	minBits := opts.MinEntropyBits
	if minBits <= 0 {
		minBits = DefaultMinEntropyBits
	}
	if bits := float64(opts.Length) * entropyPerChar; bits < float64(minBits) {
		return nil, fmt.Errorf("%w: 长度 %d 仅提供 %.1f 位，至少需要 %d 位",
			ErrInsufficientEntropy, opts.Length, bits, minBits)
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}
	return &DefaultGenerator{
		length: opts.Length,
		suffix: sanitizeSuffix(opts.Suffix),
		random: random,
	}, nil
}

// NodeSuffix 返回默认的节点标识：主机名，获取失败时退回随机 UUID
func NodeSuffix() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// NewTicketID 生成新的票据 ID
// 随机源失败时直接返回错误，不会退化为弱随机。
func (g *DefaultGenerator) NewTicketID(prefix string) (string, error) {
	if prefix == "" || strings.Contains(prefix, "-") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}

	token, err := g.randomToken()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(prefix) + 24 + g.length + len(g.suffix))
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(g.seq.Add(1), 10))
	b.WriteByte('-')
	b.WriteString(token)
	if g.suffix != "" {
		b.WriteByte('-')
		b.WriteString(g.suffix)
	}
	return b.String(), nil
}

func (g *DefaultGenerator) randomToken() (string, error) {
	buf := make([]byte, (g.length*bitsPerChar+7)/8)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)[:g.length]
	// 部分客户端库无法正确解析包含下划线的票据
	return strings.ReplaceAll(token, "_", "-"), nil
}

func sanitizeSuffix(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, "_", "-")
}

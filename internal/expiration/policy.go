// Package expiration 票据过期策略
//
// 策略是一组封闭的变体（见 Kind 常量），每个变体都是票据状态与当前时间的纯函数。
// 策略随票据一起序列化存储，因此只包含参数，不包含任何运行期状态。
package expiration

import (
	"errors"
	"fmt"
	"time"
)

// Kind 策略类型
type Kind string

// 策略类型常量
const (
	KindTimeout                Kind = "timeout"     // 空闲超时
	KindMultiTimeUseOrTimeout  Kind = "multi-use"   // 使用次数或空闲超时
	KindThrottledUseAndTimeout Kind = "throttled"   // 节流 + 绝对超时
	KindTicketGrantingTicket   Kind = "tgt"         // 绝对超时 + 滑动超时
	KindHardTimeout            Kind = "hard"        // 绝对超时
	KindNeverExpires           Kind = "never"       // 永不过期
	KindRememberMeDelegating   Kind = "remember-me" // 记住我委派
)

// Status 策略判定结果
type Status int

// 判定结果常量
const (
	Valid     Status = iota // 有效
	Expired                 // 已过期
	Throttled               // 使用过于频繁，本次视为过期
)

// String 返回判定结果名称
func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case Throttled:
		return "throttled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrInvalidPolicy 策略参数无效
var ErrInvalidPolicy = errors.New("过期策略参数无效")

// State 策略判定所需的票据状态
type State interface {
	GetCreationTime() time.Time
	GetLastTimeUsed() time.Time
	GetPreviousTimeUsed() time.Time
	GetCountOfUses() int
}

// Policy 过期策略
// 只有与 Kind 对应的字段有意义。
type Policy struct {
	Kind            Kind          `json:"kind"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	MaxUses         int           `json:"max_uses,omitempty"`
	TimeToKill      time.Duration `json:"time_to_kill,omitempty"`
	TimeBetweenUses time.Duration `json:"time_between_uses,omitempty"`
	HardTimeout     time.Duration `json:"hard_timeout,omitempty"`
	SlidingTimeout  time.Duration `json:"sliding_timeout,omitempty"`

	// 记住我委派策略的两个分支，以及创建票据时确定的选择
	RememberMe         *Policy `json:"remember_me,omitempty"`
	Default            *Policy `json:"default,omitempty"`
	RememberMeSelected bool    `json:"remember_me_selected,omitempty"`
}

// NewTimeout 创建空闲超时策略
func NewTimeout(timeout time.Duration) Policy {
	return Policy{Kind: KindTimeout, Timeout: timeout}
}

// NewMultiTimeUseOrTimeout 创建使用次数或空闲超时策略
func NewMultiTimeUseOrTimeout(maxUses int, timeout time.Duration) Policy {
	return Policy{Kind: KindMultiTimeUseOrTimeout, MaxUses: maxUses, Timeout: timeout}
}

// NewThrottledUseAndTimeout 创建节流策略
func NewThrottledUseAndTimeout(timeToKill, timeBetweenUses time.Duration) Policy {
	return Policy{Kind: KindThrottledUseAndTimeout, TimeToKill: timeToKill, TimeBetweenUses: timeBetweenUses}
}

// NewTicketGrantingTicket 创建 TGT 策略（绝对超时 + 滑动超时）
func NewTicketGrantingTicket(hardTimeout, slidingTimeout time.Duration) Policy {
	return Policy{Kind: KindTicketGrantingTicket, HardTimeout: hardTimeout, SlidingTimeout: slidingTimeout}
}

// NewHardTimeout 创建绝对超时策略
func NewHardTimeout(timeToKill time.Duration) Policy {
	return Policy{Kind: KindHardTimeout, TimeToKill: timeToKill}
}

// NeverExpires 创建永不过期策略
func NeverExpires() Policy {
	return Policy{Kind: KindNeverExpires}
}

// NewRememberMeDelegating 创建记住我委派策略
func NewRememberMeDelegating(rememberMe, fallback Policy) Policy {
	return Policy{Kind: KindRememberMeDelegating, RememberMe: &rememberMe, Default: &fallback}
}

// Bind 在票据创建时固定记住我分支，之后不再重新选择
// 非委派策略原样返回。
func (p Policy) Bind(rememberMe bool) Policy {
	if p.Kind != KindRememberMeDelegating {
		return p
	}
	p.RememberMeSelected = rememberMe
	return p
}

// Selected 返回委派策略当前生效的分支
func (p Policy) Selected() Policy {
	if p.Kind != KindRememberMeDelegating {
		return p
	}
	if p.RememberMeSelected && p.RememberMe != nil {
		return *p.RememberMe
	}
	if p.Default != nil {
		return *p.Default
	}
	return Policy{}
}

// Evaluate 判定票据状态
// state 为 nil 表示票据不存在，总是判定为过期。
func (p Policy) Evaluate(state State, now time.Time) Status {
	if state == nil {
		return Expired
	}
	switch p.Kind {
	case KindTimeout:
		return timeout(state, now, p.Timeout)
	case KindMultiTimeUseOrTimeout:
		return multiTimeUseOrTimeout(state, now, p.MaxUses, p.Timeout)
	case KindThrottledUseAndTimeout:
		return throttledUseAndTimeout(state, now, p.TimeToKill, p.TimeBetweenUses)
	case KindTicketGrantingTicket:
		return hardAndSliding(state, now, p.HardTimeout, p.SlidingTimeout)
	case KindHardTimeout:
		return hardTimeout(state, now, p.TimeToKill)
	case KindNeverExpires:
		return Valid
	case KindRememberMeDelegating:
		selected := p.Selected()
		if selected.Kind == "" || selected.Kind == KindRememberMeDelegating {
			return Expired
		}
		return selected.Evaluate(state, now)
	default:
		return Expired
	}
}

// IsExpired 票据是否已过期（节流也视为过期）
func (p Policy) IsExpired(state State, now time.Time) bool {
	return p.Evaluate(state, now) != Valid
}

// TimeToLive 票据在存储中的最长存活时间，0 表示不限
func (p Policy) TimeToLive() time.Duration {
	switch p.Kind {
	case KindTimeout, KindMultiTimeUseOrTimeout:
		return p.Timeout
	case KindThrottledUseAndTimeout, KindHardTimeout:
		return p.TimeToKill
	case KindTicketGrantingTicket:
		return p.HardTimeout
	case KindRememberMeDelegating:
		return p.Selected().TimeToLive()
	default:
		return 0
	}
}

// ExpiresAt 票据必然已过期的时刻，零值表示不会因时间过期
// 存储层据此设置记录的存活时间。
func (p Policy) ExpiresAt(state State) time.Time {
	if state == nil {
		return time.Time{}
	}
	switch p.Kind {
	case KindTimeout, KindMultiTimeUseOrTimeout:
		last := state.GetLastTimeUsed()
		if last.IsZero() {
			last = state.GetCreationTime()
		}
		return last.Add(p.Timeout)
	case KindThrottledUseAndTimeout, KindHardTimeout:
		return state.GetCreationTime().Add(p.TimeToKill)
	case KindTicketGrantingTicket:
		hard := state.GetCreationTime().Add(p.HardTimeout)
		sliding := state.GetLastTimeUsed().Add(p.SlidingTimeout)
		if sliding.Before(hard) {
			return sliding
		}
		return hard
	case KindRememberMeDelegating:
		selected := p.Selected()
		if selected.Kind == "" || selected.Kind == KindRememberMeDelegating {
			return time.Time{}
		}
		return selected.ExpiresAt(state)
	default:
		return time.Time{}
	}
}

// Validate 检查策略参数
func (p Policy) Validate() error {
	switch p.Kind {
	case KindTimeout:
		if p.Timeout <= 0 {
			return fmt.Errorf("%w: timeout 必须为正数", ErrInvalidPolicy)
		}
	case KindMultiTimeUseOrTimeout:
		if p.MaxUses <= 0 || p.Timeout <= 0 {
			return fmt.Errorf("%w: max_uses 与 timeout 必须为正数", ErrInvalidPolicy)
		}
	case KindThrottledUseAndTimeout:
		if p.TimeToKill <= 0 || p.TimeBetweenUses < 0 {
			return fmt.Errorf("%w: time_to_kill 必须为正数", ErrInvalidPolicy)
		}
	case KindTicketGrantingTicket:
		if p.HardTimeout <= 0 || p.SlidingTimeout <= 0 {
			return fmt.Errorf("%w: hard_timeout 与 sliding_timeout 必须为正数", ErrInvalidPolicy)
		}
	case KindHardTimeout:
		if p.TimeToKill <= 0 {
			return fmt.Errorf("%w: time_to_kill 必须为正数", ErrInvalidPolicy)
		}
	case KindNeverExpires:
	case KindRememberMeDelegating:
		if p.RememberMe == nil || p.Default == nil {
			return fmt.Errorf("%w: 记住我策略缺少分支", ErrInvalidPolicy)
		}
		if err := p.RememberMe.Validate(); err != nil {
			return err
		}
		return p.Default.Validate()
	default:
		return fmt.Errorf("%w: 未知策略类型 %q", ErrInvalidPolicy, p.Kind)
	}
	return nil
}

func timeout(s State, now time.Time, d time.Duration) Status {
	if now.Sub(s.GetLastTimeUsed()) > d {
		return Expired
	}
	return Valid
}

func multiTimeUseOrTimeout(s State, now time.Time, maxUses int, d time.Duration) Status {
	if s.GetCountOfUses() >= maxUses {
		return Expired
	}
	last := s.GetLastTimeUsed()
	if last.IsZero() {
		last = s.GetCreationTime()
	}
	if now.Sub(last) > d {
		return Expired
	}
	return Valid
}

func throttledUseAndTimeout(s State, now time.Time, timeToKill, between time.Duration) Status {
	if now.Sub(s.GetCreationTime()) > timeToKill {
		return Expired
	}
	if s.GetCountOfUses() > 0 && now.Sub(s.GetLastTimeUsed()) < between {
		return Throttled
	}
	return Valid
}

// 绝对超时优先：即使滑动窗口内刚续期，超过绝对时限也判定为过期
func hardAndSliding(s State, now time.Time, hard, sliding time.Duration) Status {
	if now.Sub(s.GetCreationTime()) > hard {
		return Expired
	}
	if now.Sub(s.GetLastTimeUsed()) > sliding {
		return Expired
	}
	return Valid
}

func hardTimeout(s State, now time.Time, d time.Duration) Status {
	if now.Sub(s.GetCreationTime()) > d {
		return Expired
	}
	return Valid
}

package expiration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeState 测试用票据状态
type fakeState struct {
	created  time.Time
	last     time.Time
	previous time.Time
	uses     int
}

func (s *fakeState) GetCreationTime() time.Time     { return s.created }
func (s *fakeState) GetLastTimeUsed() time.Time     { return s.last }
func (s *fakeState) GetPreviousTimeUsed() time.Time { return s.previous }
func (s *fakeState) GetCountOfUses() int            { return s.uses }

// use 模拟一次使用
func (s *fakeState) use(at time.Time) {
	s.previous = s.last
	s.last = at
	s.uses++
}

func newState(at time.Time) *fakeState {
	return &fakeState{created: at, last: at, previous: at}
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPolicy_NilStateIsExpired(t *testing.T) {
	policies := []Policy{
		NewTimeout(time.Minute),
		NewMultiTimeUseOrTimeout(1, time.Minute),
		NewThrottledUseAndTimeout(time.Minute, time.Second),
		NewTicketGrantingTicket(time.Hour, time.Minute),
		NewHardTimeout(time.Minute),
		NeverExpires(),
		NewRememberMeDelegating(NewHardTimeout(time.Hour), NewTimeout(time.Minute)),
	}
	for _, p := range policies {
		assert.True(t, p.IsExpired(nil, epoch), "策略 %s 对空状态应判定过期", p.Kind)
	}
}

func TestPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		setup  func() *fakeState
		at     time.Duration
		want   Status
	}{
		{
			name:   "空闲超时内有效",
			policy: NewTimeout(100 * time.Millisecond),
			setup:  func() *fakeState { return newState(epoch) },
			at:     100 * time.Millisecond,
			want:   Valid,
		},
		{
			name:   "空闲超时后过期",
			policy: NewTimeout(100 * time.Millisecond),
			setup:  func() *fakeState { return newState(epoch) },
			at:     101 * time.Millisecond,
			want:   Expired,
		},
		{
			name:   "达到使用次数后过期",
			policy: NewMultiTimeUseOrTimeout(5, 100*time.Millisecond),
			setup: func() *fakeState {
				s := newState(epoch)
				for i := 0; i < 5; i++ {
					s.use(epoch)
				}
				return s
			},
			at:   0,
			want: Expired,
		},
		{
			name:   "使用一次后空闲超时",
			policy: NewMultiTimeUseOrTimeout(5, 100*time.Millisecond),
			setup: func() *fakeState {
				s := newState(epoch)
				s.use(epoch)
				return s
			},
			at:   150 * time.Millisecond,
			want: Expired,
		},
		{
			name:   "未达次数且未超时",
			policy: NewMultiTimeUseOrTimeout(5, 100*time.Millisecond),
			setup: func() *fakeState {
				s := newState(epoch)
				s.use(epoch)
				return s
			},
			at:   50 * time.Millisecond,
			want: Valid,
		},
		{
			name:   "节流窗口内再次使用",
			policy: NewThrottledUseAndTimeout(time.Minute, time.Second),
			setup: func() *fakeState {
				s := newState(epoch)
				s.use(epoch.Add(10 * time.Second))
				return s
			},
			at:   10*time.Second + 500*time.Millisecond,
			want: Throttled,
		},
		{
			name:   "节流窗口外再次使用",
			policy: NewThrottledUseAndTimeout(time.Minute, time.Second),
			setup: func() *fakeState {
				s := newState(epoch)
				s.use(epoch.Add(10 * time.Second))
				return s
			},
			at:   12 * time.Second,
			want: Valid,
		},
		{
			name:   "节流策略首次使用不受限",
			policy: NewThrottledUseAndTimeout(time.Minute, time.Second),
			setup:  func() *fakeState { return newState(epoch) },
			at:     0,
			want:   Valid,
		},
		{
			name:   "节流策略超过存活时间",
			policy: NewThrottledUseAndTimeout(time.Minute, time.Second),
			setup:  func() *fakeState { return newState(epoch) },
			at:     61 * time.Second,
			want:   Expired,
		},
		{
			name:   "TGT 滑动窗口超时",
			policy: NewTicketGrantingTicket(time.Hour, time.Minute),
			setup:  func() *fakeState { return newState(epoch) },
			at:     2 * time.Minute,
			want:   Expired,
		},
		{
			name:   "TGT 绝对超时优先于滑动窗口",
			policy: NewTicketGrantingTicket(100*time.Millisecond, 60*time.Millisecond),
			setup: func() *fakeState {
				s := newState(epoch)
				s.use(epoch.Add(80 * time.Millisecond))
				return s
			},
			at:   101 * time.Millisecond,
			want: Expired,
		},
		{
			name:   "绝对超时",
			policy: NewHardTimeout(time.Minute),
			setup:  func() *fakeState { return newState(epoch) },
			at:     time.Minute + time.Nanosecond,
			want:   Expired,
		},
		{
			name:   "永不过期",
			policy: NeverExpires(),
			setup:  func() *fakeState { return newState(epoch) },
			at:     100 * 365 * 24 * time.Hour,
			want:   Valid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Evaluate(tt.setup(), epoch.Add(tt.at))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_TicketGrantingTicketRenewals(t *testing.T) {
	p := NewTicketGrantingTicket(100*time.Millisecond, 60*time.Millisecond)
	s := newState(epoch)

	// 每 40ms 续期一次，滑动窗口始终满足，但绝对时限到达后必须过期
	for at := 40 * time.Millisecond; at <= 200*time.Millisecond; at += 40 * time.Millisecond {
		now := epoch.Add(at)
		expired := p.IsExpired(s, now)
		if at > 100*time.Millisecond {
			assert.True(t, expired, "%v 时应已过期", at)
		} else {
			assert.False(t, expired, "%v 时应仍有效", at)
			s.use(now)
		}
	}
}

func TestPolicy_RememberMeChoiceIsFixed(t *testing.T) {
	p := NewRememberMeDelegating(NewHardTimeout(14*24*time.Hour), NewTicketGrantingTicket(8*time.Hour, 2*time.Hour))

	remembered := p.Bind(true)
	normal := p.Bind(false)
	s := newState(epoch)

	at := epoch.Add(3 * time.Hour)
	assert.False(t, remembered.IsExpired(s, at))
	assert.True(t, normal.IsExpired(s, at))
	assert.Equal(t, 14*24*time.Hour, remembered.TimeToLive())
	assert.Equal(t, 8*time.Hour, normal.TimeToLive())

	// 选择随策略序列化，反序列化后保持不变
	data, err := json.Marshal(remembered)
	require.NoError(t, err)
	var restored Policy
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, remembered, restored)
	assert.False(t, restored.IsExpired(s, at))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, NewTimeout(time.Second).Validate())
	assert.NoError(t, NeverExpires().Validate())
	assert.ErrorIs(t, NewTimeout(0).Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, NewMultiTimeUseOrTimeout(0, time.Second).Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, NewTicketGrantingTicket(time.Hour, 0).Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{Kind: "bogus"}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{Kind: KindRememberMeDelegating}.Validate(), ErrInvalidPolicy)
}

func TestPolicy_ExpiresAt(t *testing.T) {
	s := newState(epoch)
	s.use(epoch.Add(time.Minute))

	assert.Equal(t, epoch.Add(time.Minute+10*time.Second), NewMultiTimeUseOrTimeout(1, 10*time.Second).ExpiresAt(s))
	assert.Equal(t, epoch.Add(time.Hour), NewHardTimeout(time.Hour).ExpiresAt(s))
	assert.Equal(t, epoch.Add(3*time.Minute), NewTicketGrantingTicket(8*time.Hour, 2*time.Minute).ExpiresAt(s))
	assert.Equal(t, epoch.Add(2*time.Hour), NewTicketGrantingTicket(2*time.Hour, 8*time.Hour).ExpiresAt(s))
	assert.True(t, NeverExpires().ExpiresAt(s).IsZero())
	assert.True(t, NewTimeout(time.Second).ExpiresAt(nil).IsZero())

	rm := NewRememberMeDelegating(NewHardTimeout(14*24*time.Hour), NewTimeout(time.Minute)).Bind(true)
	assert.Equal(t, epoch.Add(14*24*time.Hour), rm.ExpiresAt(s))
}

// Property: MultiTimeUseOrTimeout(N, T) 在 N 次使用后必然过期，与经过时间无关
func TestProperty_MultiUseExhaustion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("使用 N 次后过期", prop.ForAll(
		func(n int, elapsedMs int64) bool {
			p := NewMultiTimeUseOrTimeout(n, time.Hour)
			s := newState(epoch)
			for i := 0; i < n; i++ {
				if p.IsExpired(s, epoch) {
					return false
				}
				s.use(epoch)
			}
			return p.IsExpired(s, epoch.Add(time.Duration(elapsedMs)*time.Millisecond))
		},
		gen.IntRange(1, 50),
		gen.Int64Range(0, 3_600_000),
	))

	properties.TestingRun(t)
}

// Property: TGT 策略在超过绝对时限后总是过期
func TestProperty_HardTimeoutWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("超过绝对时限即过期", prop.ForAll(
		func(hardMs, slidingMs, overMs int64) bool {
			p := NewTicketGrantingTicket(time.Duration(hardMs)*time.Millisecond, time.Duration(slidingMs)*time.Millisecond)
			s := newState(epoch)
			now := epoch.Add(time.Duration(hardMs+overMs) * time.Millisecond)
			// 刚刚续期
			s.use(now)
			return p.IsExpired(s, now)
		},
		gen.Int64Range(1, 100_000),
		gen.Int64Range(1, 100_000),
		gen.Int64Range(1, 100_000),
	))

	properties.TestingRun(t)
}
